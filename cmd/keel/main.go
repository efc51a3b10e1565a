package main

import (
	"log"

	"github.com/MrSnakeDoc/keel/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		log.Fatalf("❌ keel failed to start: %v", err)
	}
	if err := a.Run(); err != nil {
		log.Fatalf("❌ keel failed: %v", err)
	}
}
