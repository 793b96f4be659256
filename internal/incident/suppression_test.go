package incident

import (
	"context"
	"testing"
	"time"
)

func TestMemorySuppressionStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemorySuppressionStore(100)
	if err != nil {
		t.Fatalf("NewMemorySuppressionStore() error = %v", err)
	}

	key := suppressionKey("R1", "user:jdoe")

	if _, found, _ := store.ActiveIncident(ctx, key); found {
		t.Fatal("ActiveIncident() found a claim on an empty store")
	}

	if err := store.Claim(ctx, key, "INC-00000001", time.Minute); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	id, found, err := store.ActiveIncident(ctx, key)
	if err != nil {
		t.Fatalf("ActiveIncident() error = %v", err)
	}
	if !found || id != "INC-00000001" {
		t.Errorf("ActiveIncident() = (%q, %v), want (INC-00000001, true)", id, found)
	}

	// A different pair is a different claim space.
	other := suppressionKey("R1", "user:mallory")
	if _, found, _ := store.ActiveIncident(ctx, other); found {
		t.Error("claim leaked across entity keys")
	}

	if err := store.Release(ctx, key); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, found, _ := store.ActiveIncident(ctx, key); found {
		t.Error("ActiveIncident() found a released claim")
	}
}

func TestMemorySuppressionStore_Expiry(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemorySuppressionStore(100)
	if err != nil {
		t.Fatalf("NewMemorySuppressionStore() error = %v", err)
	}

	key := suppressionKey("R1", "user:jdoe")
	store.Claim(ctx, key, "INC-00000001", 30*time.Millisecond)

	if _, found, _ := store.ActiveIncident(ctx, key); !found {
		t.Fatal("claim should be live immediately after Claim()")
	}

	time.Sleep(60 * time.Millisecond)

	if _, found, _ := store.ActiveIncident(ctx, key); found {
		t.Error("claim should have expired")
	}
}

func TestMemorySuppressionStore_Extend(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemorySuppressionStore(100)
	if err != nil {
		t.Fatalf("NewMemorySuppressionStore() error = %v", err)
	}

	key := suppressionKey("R1", "user:jdoe")
	store.Claim(ctx, key, "INC-00000001", 50*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	if err := store.Extend(ctx, key, 200*time.Millisecond); err != nil {
		t.Fatalf("Extend() error = %v", err)
	}

	// Past the original expiry, inside the extended one.
	time.Sleep(60 * time.Millisecond)
	id, found, _ := store.ActiveIncident(ctx, key)
	if !found {
		t.Fatal("extended claim should still be live")
	}
	if id != "INC-00000001" {
		t.Errorf("Extend() changed the incident ID to %q", id)
	}
}

func TestRedisSuppressionStore(t *testing.T) {
	ctx := context.Background()
	client := NewMockRedisClient()
	store := NewRedisSuppressionStore(client)

	key := suppressionKey("D1", "account:7731")

	if _, found, err := store.ActiveIncident(ctx, key); err != nil || found {
		t.Fatalf("ActiveIncident() = (found=%v, err=%v), want miss without error", found, err)
	}

	if err := store.Claim(ctx, key, "INC-0000000A", time.Minute); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	id, found, err := store.ActiveIncident(ctx, key)
	if err != nil {
		t.Fatalf("ActiveIncident() error = %v", err)
	}
	if !found || id != "INC-0000000A" {
		t.Errorf("ActiveIncident() = (%q, %v), want (INC-0000000A, true)", id, found)
	}

	if err := store.Extend(ctx, key, time.Hour); err != nil {
		t.Fatalf("Extend() error = %v", err)
	}

	if err := store.Release(ctx, key); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, found, _ := store.ActiveIncident(ctx, key); found {
		t.Error("ActiveIncident() found a released claim")
	}
}

func TestRedisSuppressionStore_Unavailable(t *testing.T) {
	ctx := context.Background()
	client := NewMockRedisClient()
	client.FailAll = true
	store := NewRedisSuppressionStore(client)

	if _, _, err := store.ActiveIncident(ctx, "any"); err == nil {
		t.Error("ActiveIncident() error = nil, want connection error")
	}
	if err := store.Claim(ctx, "any", "INC-00000001", time.Minute); err == nil {
		t.Error("Claim() error = nil, want connection error")
	}
}
