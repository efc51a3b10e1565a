package scheduler

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrSnakeDoc/keel/internal/logger"
)

type fakeCollector struct {
	pruned   int
	unlisted map[string]time.Duration
	asked    time.Duration
}

func (f *fakeCollector) Collect() int { return f.pruned }

func (f *fakeCollector) RemoveUnlisted(olderThan time.Duration) []string {
	f.asked = olderThan
	var out []string
	for name, age := range f.unlisted {
		if age >= olderThan {
			out = append(out, name)
			delete(f.unlisted, name)
		}
	}
	slices.Sort(out)
	return out
}

type fakeDeleter struct {
	deleted []string
	fail    bool
}

func (f *fakeDeleter) DeleteDefinition(_ context.Context, name string) error {
	if f.fail {
		return errors.New("redis down")
	}
	f.deleted = append(f.deleted, name)
	return nil
}

func TestGarbageCollector_Collect(t *testing.T) {
	core := &fakeCollector{
		pruned: 2,
		unlisted: map[string]time.Duration{
			"recently-dropped": 10 * time.Minute,
			"old-dropped":      48 * time.Hour,
			"older-dropped":    72 * time.Hour,
		},
	}
	store := &fakeDeleter{}

	gc := NewGarbageCollector(core, store, logger.New("error", false), time.Hour, 0)

	removed := gc.Collect(context.Background())

	if core.asked != DefaultGCThreshold {
		t.Errorf("expected default threshold %s, got %s", DefaultGCThreshold, core.asked)
	}
	want := []string{"old-dropped", "older-dropped"}
	if !slices.Equal(removed, want) {
		t.Errorf("removed = %v, want %v", removed, want)
	}
	if !slices.Equal(store.deleted, want) {
		t.Errorf("deleted from store = %v, want %v", store.deleted, want)
	}
	if _, ok := core.unlisted["recently-dropped"]; !ok {
		t.Error("recently dropped service should still be registered")
	}
}

func TestGarbageCollector_StoreFailureIsNotFatal(t *testing.T) {
	core := &fakeCollector{unlisted: map[string]time.Duration{"a": time.Hour}}
	gc := NewGarbageCollector(core, &fakeDeleter{fail: true}, logger.NewNop(), time.Hour, time.Minute)

	if removed := gc.Collect(context.Background()); len(removed) != 1 {
		t.Fatalf("expected one removal, got %v", removed)
	}
}

func TestGarbageCollector_NoStore(t *testing.T) {
	core := &fakeCollector{unlisted: map[string]time.Duration{"a": time.Hour}}
	gc := NewGarbageCollector(core, nil, logger.NewNop(), time.Hour, time.Minute)

	gc.Start(context.Background())
	gc.Stop()
	gc.Stop()

	if len(core.unlisted) != 0 {
		t.Errorf("initial pass did not run: %v", core.unlisted)
	}
}
