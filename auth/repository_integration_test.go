package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskmarket/auth"
	"taskmarket/test/infra"
)

func TestPGSendLog_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}
	h := infra.Open(t, auth.SendLogSchema)
	log := auth.NewPGSendLog(h.Pool())
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	wait, err := log.Reserve(ctx, "a@b.co", now, time.Minute)
	if err != nil || wait != 0 {
		t.Fatalf("first reserve: wait=%v err=%v", wait, err)
	}

	wait, err = log.Reserve(ctx, "a@b.co", now.Add(20*time.Second), time.Minute)
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if wait != 40*time.Second {
		t.Fatalf("expected 40s wait, got %v", wait)
	}

	wait, err = log.Reserve(ctx, "a@b.co", now.Add(time.Minute), time.Minute)
	if err != nil || wait != 0 {
		t.Fatalf("reserve after cooldown: wait=%v err=%v", wait, err)
	}

	if err := log.Release(ctx, "a@b.co"); err != nil {
		t.Fatalf("release: %v", err)
	}
	wait, err = log.Reserve(ctx, "a@b.co", now.Add(61*time.Second), time.Minute)
	if err != nil || wait != 0 {
		t.Fatalf("reserve after release: wait=%v err=%v", wait, err)
	}

	if err := log.Attach(ctx, "a@b.co", "n-1", "mac"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := log.Attempt(ctx, "a@b.co", "other", 2); !errors.Is(err, auth.ErrChallengeInvalid) {
		t.Fatalf("expected ErrChallengeInvalid for foreign nonce, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if mac, err := log.Attempt(ctx, "a@b.co", "n-1", 2); err != nil || mac != "mac" {
			t.Fatalf("attempt %d: mac=%q err=%v", i+1, mac, err)
		}
	}
	if _, err := log.Attempt(ctx, "a@b.co", "n-1", 2); !errors.Is(err, auth.ErrTooManyAttempts) {
		t.Fatalf("expected ErrTooManyAttempts, got %v", err)
	}

	if err := log.Consume(ctx, "a@b.co", "n-1"); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if _, err := log.Attempt(ctx, "a@b.co", "n-1", 5); !errors.Is(err, auth.ErrChallengeInvalid) {
		t.Fatalf("expected consumed challenge to be gone, got %v", err)
	}
}
