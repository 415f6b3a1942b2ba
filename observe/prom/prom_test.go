package prom

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsImplementsCollector(t *testing.T) {
	t.Parallel()
	var _ prometheus.Collector = New()
}

func TestMetricsRecordsLifecycleEvents(t *testing.T) {
	t.Parallel()
	m := New()
	m.ScopeCreated(context.Background())
	m.TaskStarted(context.Background())
	m.TaskStarted(context.Background())
	m.TaskFinished(context.Background(), 10*time.Millisecond, errors.New("boom"), false)
	m.TaskFinished(context.Background(), 20*time.Millisecond, nil, false)
	m.ScopeCancelled(context.Background(), errors.New("boom"))
	m.ScopeJoined(context.Background(), 5*time.Millisecond)

	if got := testutil.ToFloat64(m.activeTasks); got != 0 {
		t.Fatalf("expected active tasks to return to zero, got %v", got)
	}
	if got := testutil.ToFloat64(m.tasksStarted); got != 2 {
		t.Fatalf("expected 2 started tasks, got %v", got)
	}
	if got := testutil.ToFloat64(m.tasksFinished); got != 2 {
		t.Fatalf("expected 2 finished tasks, got %v", got)
	}
	if got := testutil.ToFloat64(m.tasksErrored); got != 1 {
		t.Fatalf("expected 1 errored task, got %v", got)
	}
	if got := testutil.ToFloat64(m.scopesCreated); got != 1 {
		t.Fatalf("expected 1 created scope, got %v", got)
	}
	if got := testutil.ToFloat64(m.scopesCancelled); got != 1 {
		t.Fatalf("expected 1 cancelled scope, got %v", got)
	}
	if got := testutil.ToFloat64(m.joins); got != 1 {
		t.Fatalf("expected 1 join, got %v", got)
	}
}

func TestRegisterDoesNotPanic(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	if err := reg.Register(New()); err != nil {
		t.Fatalf("unexpected error registering Metrics: %v", err)
	}
}
