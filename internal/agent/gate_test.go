package agent

import (
	"context"
	"testing"
	"time"
)

func TestGateSerializesAdmissions(t *testing.T) {
	gate := NewGate(1)
	ctx := context.Background()

	lease, err := gate.Admit(ctx)
	if err != nil {
		t.Fatalf("first admit: %v", err)
	}

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := gate.Admit(blocked); err == nil {
		t.Fatalf("second admit should block until the lease is released")
	}

	lease.Release()
	second, err := gate.Admit(ctx)
	if err != nil {
		t.Fatalf("admit after release: %v", err)
	}
	second.Release()
}

func TestGateLeaseReleaseIsIdempotent(t *testing.T) {
	gate := NewGate(1)
	ctx := context.Background()

	lease, err := gate.Admit(ctx)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	lease.Release()
	lease.Release()
	lease.Release()

	// A double release must not inflate capacity beyond one.
	first, err := gate.Admit(ctx)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := gate.Admit(blocked); err == nil {
		t.Fatalf("capacity inflated by repeated release")
	}
	first.Release()
}

func TestGateHonorsConfiguredCapacity(t *testing.T) {
	gate := NewGate(2)
	ctx := context.Background()

	a, err := gate.Admit(ctx)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	b, err := gate.Admit(ctx)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := gate.Admit(blocked); err == nil {
		t.Fatalf("third admit should exceed capacity")
	}
	a.Release()
	b.Release()
}

func TestGateClampsInvalidCapacity(t *testing.T) {
	gate := NewGate(0)
	lease, err := gate.Admit(context.Background())
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	lease.Release()
}
