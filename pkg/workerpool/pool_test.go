package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolProcessesAllTasks(t *testing.T) {
	var processed int64
	pool, err := New(Config{Workers: 4, QueueSize: 32}, func(_ context.Context, task *Task) *Result {
		atomic.AddInt64(&processed, 1)
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	if err != nil {
		t.Fatalf("pool creation failed: %v", err)
	}
	pool.Start()

	const n = 20
	for i := 0; i < n; i++ {
		if err := pool.Submit(&Task{ID: fmt.Sprintf("t-%d", i)}); err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	results := pool.Results()
	for i := 0; i < n; i++ {
		res := <-results
		if !res.Success {
			t.Errorf("task %s failed: %v", res.TaskID, res.Error)
		}
	}
	pool.Stop()

	if got := atomic.LoadInt64(&processed); got != n {
		t.Errorf("expected %d processed, got %d", n, got)
	}

	stats := pool.Stats()
	if stats.TasksCompleted != n || stats.TasksFailed != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if !pool.IsHealthy() {
		t.Error("drained pool must report healthy")
	}
}

func TestPoolRetriesThenFails(t *testing.T) {
	var attempts int64
	pool, err := New(Config{
		Workers:    1,
		QueueSize:  4,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, func(_ context.Context, task *Task) *Result {
		atomic.AddInt64(&attempts, 1)
		return &Result{TaskID: task.ID, Success: false, Error: errors.New("boom")}
	}, nil)
	if err != nil {
		t.Fatalf("pool creation failed: %v", err)
	}
	pool.Start()

	if err := pool.Submit(&Task{ID: "t-fail"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	res := <-pool.Results()
	pool.Stop()

	if res.Success {
		t.Fatal("expected failure result")
	}
	// Initial attempt plus two retries.
	if got := atomic.LoadInt64(&attempts); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestPoolRejectsNilWorkerFunc(t *testing.T) {
	if _, err := New(DefaultConfig(), nil, nil); err == nil {
		t.Fatal("nil worker function must be rejected")
	}
}

func TestPoolRejectsSubmitAfterStop(t *testing.T) {
	pool, err := New(Config{Workers: 1, QueueSize: 1}, func(_ context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	if err != nil {
		t.Fatalf("pool creation failed: %v", err)
	}
	pool.Start()
	pool.Stop()

	if err := pool.Submit(&Task{ID: "late"}); err == nil {
		t.Error("submit after stop must fail")
	}
}
