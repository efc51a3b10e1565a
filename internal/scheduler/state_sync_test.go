package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/logger"
)

type fakeReader struct {
	defs []domain.ServiceDefinition
	err  error
}

func (f fakeReader) Definitions(context.Context) ([]domain.ServiceDefinition, error) {
	return f.defs, f.err
}

type fakeRestorer struct {
	got [][]domain.ServiceDefinition
}

func (f *fakeRestorer) Restore(defs []domain.ServiceDefinition) ([]string, error) {
	f.got = append(f.got, defs)
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names, nil
}

func TestStateSyncer_Sync(t *testing.T) {
	core := &fakeRestorer{}
	defs := []domain.ServiceDefinition{{Name: "db"}, {Name: "web"}}
	ss := NewStateSyncer(fakeReader{defs: defs}, core, logger.NewNop())

	if err := ss.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(core.got) != 1 || len(core.got[0]) != 2 {
		t.Fatalf("expected one restore of 2 definitions, got %v", core.got)
	}
}

func TestStateSyncer_EmptyStore(t *testing.T) {
	core := &fakeRestorer{}
	ss := NewStateSyncer(fakeReader{}, core, logger.NewNop())

	if err := ss.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(core.got) != 0 {
		t.Errorf("nothing to restore, got %v", core.got)
	}
}

func TestStateSyncer_StoreError(t *testing.T) {
	boom := errors.New("boom")
	ss := NewStateSyncer(fakeReader{err: boom}, &fakeRestorer{}, logger.NewNop())

	if err := ss.Sync(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
}
