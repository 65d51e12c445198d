package kvstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"taskmarket/kvstore"
)

// exerciseBackend runs the behaviour every Backend must share.
func exerciseBackend(t *testing.T, backend kvstore.Backend) {
	t.Helper()
	ctx := context.Background()

	alice := backend.Namespace("alice")
	bob := backend.Namespace("bob")

	if _, ok, err := alice.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("get missing: ok=%v err=%v", ok, err)
	}

	if err := alice.Set(ctx, "k1", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := alice.Set(ctx, "k1", "v2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := bob.Set(ctx, "k1", "other"); err != nil {
		t.Fatalf("set bob: %v", err)
	}

	v, ok, err := alice.Get(ctx, "k1")
	if err != nil || !ok || v != "v2" {
		t.Fatalf("expected v2, got %q ok=%v err=%v", v, ok, err)
	}

	namespaces, err := backend.Namespaces(ctx)
	if err != nil {
		t.Fatalf("namespaces: %v", err)
	}
	if diff := cmp.Diff([]string{"alice", "bob"}, namespaces); diff != "" {
		t.Fatalf("namespaces mismatch (-want +got):\n%s", diff)
	}

	if err := alice.Remove(ctx, "k1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := alice.Remove(ctx, "k1"); err != nil {
		t.Fatalf("remove twice: %v", err)
	}
	if _, ok, _ := alice.Get(ctx, "k1"); ok {
		t.Fatal("expected k1 removed")
	}

	if err := bob.Set(ctx, "k2", "x"); err != nil {
		t.Fatalf("set k2: %v", err)
	}
	if err := bob.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := bob.Clear(ctx); err != nil {
		t.Fatalf("clear empty namespace: %v", err)
	}
	for _, key := range []string{"k1", "k2"} {
		if _, ok, _ := bob.Get(ctx, key); ok {
			t.Fatalf("expected %s cleared", key)
		}
	}

	namespaces, err = backend.Namespaces(ctx)
	if err != nil {
		t.Fatalf("namespaces after clear: %v", err)
	}
	if len(namespaces) != 0 {
		t.Fatalf("expected no namespaces left, got %v", namespaces)
	}

	exerciseUpdate(t, backend.Namespace("carol"))
}

// exerciseUpdate checks Update is atomic and honours keep and errors.
func exerciseUpdate(t *testing.T, store kvstore.Store) {
	t.Helper()
	ctx := context.Background()

	increment := func(current string, exists bool) (string, bool, error) {
		n := 0
		if exists {
			var err error
			if n, err = strconv.Atoi(current); err != nil {
				return "", false, err
			}
		}
		return strconv.Itoa(n + 1), true, nil
	}

	const writers = 40
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.Update(ctx, "counter", increment)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	if v, _, _ := store.Get(ctx, "counter"); v != strconv.Itoa(writers) {
		t.Fatalf("expected %d increments, got %q", writers, v)
	}

	boom := errors.New("boom")
	err := store.Update(ctx, "counter", func(string, bool) (string, bool, error) { return "lost", true, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if v, _, _ := store.Get(ctx, "counter"); v != strconv.Itoa(writers) {
		t.Fatalf("expected failed update to leave value, got %q", v)
	}

	err = store.Update(ctx, "counter", func(string, bool) (string, bool, error) { return "", false, nil })
	if err != nil {
		t.Fatalf("update remove: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "counter"); ok {
		t.Fatal("expected keep=false to remove the key")
	}
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, kvstore.NewMemory())
}

func TestBoltBackend(t *testing.T) {
	backend, err := kvstore.OpenBolt(filepath.Join(t.TempDir(), "viewer.db"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	defer backend.Close()

	exerciseBackend(t, backend)
}

func TestBoltBackend_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "viewer.db")
	backend, err := kvstore.OpenBolt(path)
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	if err := backend.Namespace("alice").Set(context.Background(), "k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := kvstore.OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	v, ok, err := reopened.Namespace("alice").Get(context.Background(), "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("expected persisted value, got %q ok=%v err=%v", v, ok, err)
	}
}

func TestOpenBolt_BlankPath(t *testing.T) {
	if _, err := kvstore.OpenBolt("  "); err != kvstore.ErrBoltPathBlank {
		t.Fatalf("expected ErrBoltPathBlank, got %v", err)
	}
}
