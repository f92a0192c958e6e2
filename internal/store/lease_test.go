package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAcquireLease_FreeLease(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	ok, err := s.AcquireLease(ctx, "drain", "owner-a", 30*time.Second, now)
	if err != nil {
		t.Fatalf("AcquireLease() failed: %v", err)
	}
	if !ok {
		t.Fatal("expected to acquire free lease")
	}

	lease, err := s.GetLease(ctx, "drain")
	if err != nil {
		t.Fatalf("GetLease() failed: %v", err)
	}
	if lease.Owner != "owner-a" {
		t.Errorf("Owner = %q, want owner-a", lease.Owner)
	}
	if !lease.ExpiresAt.Equal(now.Add(30 * time.Second)) {
		t.Errorf("ExpiresAt = %v", lease.ExpiresAt)
	}
}

func TestAcquireLease_HeldByOther(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.AcquireLease(ctx, "drain", "owner-a", 30*time.Second, now); err != nil {
		t.Fatalf("AcquireLease(a) failed: %v", err)
	}

	ok, err := s.AcquireLease(ctx, "drain", "owner-b", 30*time.Second, now.Add(10*time.Second))
	if err != nil {
		t.Fatalf("AcquireLease(b) failed: %v", err)
	}
	if ok {
		t.Error("owner-b acquired a lease held by owner-a")
	}

	// Expired leases can be taken over.
	ok, err = s.AcquireLease(ctx, "drain", "owner-b", 30*time.Second, now.Add(31*time.Second))
	if err != nil {
		t.Fatalf("AcquireLease(b, expired) failed: %v", err)
	}
	if !ok {
		t.Error("owner-b could not take over an expired lease")
	}
}

func TestAcquireLease_SameOwnerExtends(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.AcquireLease(ctx, "drain", "owner-a", 30*time.Second, now); err != nil {
		t.Fatalf("AcquireLease() failed: %v", err)
	}
	ok, err := s.AcquireLease(ctx, "drain", "owner-a", 30*time.Second, now.Add(20*time.Second))
	if err != nil || !ok {
		t.Fatalf("re-acquire = %v, %v", ok, err)
	}

	lease, err := s.GetLease(ctx, "drain")
	if err != nil {
		t.Fatalf("GetLease() failed: %v", err)
	}
	if !lease.AcquiredAt.Equal(now) {
		t.Errorf("AcquiredAt = %v, want original %v", lease.AcquiredAt, now)
	}
	if !lease.ExpiresAt.Equal(now.Add(50 * time.Second)) {
		t.Errorf("ExpiresAt = %v, want extended", lease.ExpiresAt)
	}
}

func TestAcquireLease_Validation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := s.AcquireLease(ctx, "", "a", time.Second, now); err == nil {
		t.Error("expected error for empty name")
	}
	if _, err := s.AcquireLease(ctx, "drain", "", time.Second, now); err == nil {
		t.Error("expected error for empty owner")
	}
	if _, err := s.AcquireLease(ctx, "drain", "a", 0, now); err == nil {
		t.Error("expected error for zero ttl")
	}
}

func TestRenewLease(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.AcquireLease(ctx, "drain", "owner-a", 30*time.Second, now); err != nil {
		t.Fatalf("AcquireLease() failed: %v", err)
	}

	ok, err := s.RenewLease(ctx, "drain", "owner-a", 30*time.Second, now.Add(10*time.Second))
	if err != nil || !ok {
		t.Fatalf("RenewLease() = %v, %v", ok, err)
	}

	ok, err = s.RenewLease(ctx, "drain", "owner-b", 30*time.Second, now.Add(10*time.Second))
	if err != nil {
		t.Fatalf("RenewLease(b) failed: %v", err)
	}
	if ok {
		t.Error("non-owner renewed the lease")
	}

	ok, err = s.RenewLease(ctx, "drain", "owner-a", 30*time.Second, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("RenewLease(expired) failed: %v", err)
	}
	if ok {
		t.Error("renewed an expired lease")
	}
}

func TestReleaseLease(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := s.AcquireLease(ctx, "drain", "owner-a", time.Minute, now); err != nil {
		t.Fatalf("AcquireLease() failed: %v", err)
	}

	if err := s.ReleaseLease(ctx, "drain", "owner-b"); err != nil {
		t.Fatalf("ReleaseLease(b) failed: %v", err)
	}
	if _, err := s.GetLease(ctx, "drain"); err != nil {
		t.Errorf("lease released by non-owner: %v", err)
	}

	if err := s.ReleaseLease(ctx, "drain", "owner-a"); err != nil {
		t.Fatalf("ReleaseLease(a) failed: %v", err)
	}
	if _, err := s.GetLease(ctx, "drain"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetLease() after release = %v, want ErrNotFound", err)
	}
}
