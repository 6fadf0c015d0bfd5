package drugref

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pharmos/dispense-engine/pkg/circuitbreaker"
)

func testBreaker(t *testing.T) *circuitbreaker.CircuitBreaker {
	t.Helper()
	cfg := circuitbreaker.Config{
		Name:             "drug-reference-test",
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		FailureThreshold: 2,
		FailureRatio:     0.6,
		MinRequests:      100,
	}
	breaker, err := circuitbreaker.New(cfg, nil)
	if err != nil {
		t.Fatalf("breaker creation failed: %v", err)
	}
	return breaker
}

func TestClientResolvesThroughBreaker(t *testing.T) {
	inner := LookupFunc(func(_ context.Context, drugID string) (*Drug, error) {
		if drugID == "D-MOR" {
			return &Drug{DrugID: "D-MOR", GenericName: "morphine sulfate", Category: CategoryOpioid}, nil
		}
		return nil, ErrNotFound
	})
	client := NewClient(inner, testBreaker(t), nil)

	d, err := client.Get(context.Background(), "D-MOR")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if d.GenericName != "morphine sulfate" {
		t.Errorf("wrong record: %+v", d)
	}
}

func TestClientMissDoesNotTripBreaker(t *testing.T) {
	inner := LookupFunc(func(context.Context, string) (*Drug, error) {
		return nil, ErrNotFound
	})
	breaker := testBreaker(t)
	client := NewClient(inner, breaker, nil)

	for i := 0; i < 10; i++ {
		if _, err := client.Get(context.Background(), "D-MISSING"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("miss %d: expected ErrNotFound, got %v", i, err)
		}
	}

	if !breaker.IsClosed() {
		t.Error("reference-data misses must not open the circuit")
	}
	if counts := breaker.Counts(); counts.TotalFailures != 0 {
		t.Errorf("misses counted as failures: %+v", counts)
	}
}

func TestClientDegradesWhenCircuitOpens(t *testing.T) {
	inner := LookupFunc(func(context.Context, string) (*Drug, error) {
		return nil, errors.New("reference store down")
	})
	breaker := testBreaker(t)
	client := NewClient(inner, breaker, nil)

	// Consecutive service failures trip the breaker.
	for i := 0; i < 2; i++ {
		if _, err := client.Get(context.Background(), "D-MOR"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("failure %d must surface as ErrNotFound, got %v", i, err)
		}
	}
	if !breaker.IsOpen() {
		t.Fatal("expected open circuit after consecutive failures")
	}

	// Open circuit still degrades to ErrNotFound so enrichment falls back.
	if _, err := client.Get(context.Background(), "D-MOR"); !errors.Is(err, ErrNotFound) {
		t.Errorf("open circuit: expected ErrNotFound, got %v", err)
	}
}
