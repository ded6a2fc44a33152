package rolelookup

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestUserRoleShortCircuits(t *testing.T) {
	backend := NewStaticBackend()
	directory := NewStaticDirectory()
	directory.Put("jdoe", true)
	directory.Put("ghost", false)

	resolver := NewResolver(backend, directory, testLogger())
	ctx := context.Background()

	targets, err := resolver.Targets(ctx, RoleUser, "jdoe")
	if err != nil {
		t.Fatalf("Targets failed: %v", err)
	}
	if !reflect.DeepEqual(targets, []string{"jdoe"}) {
		t.Errorf("unexpected targets: %v", targets)
	}

	targets, err = resolver.Targets(ctx, RoleUser, "ghost")
	if err != nil {
		t.Fatalf("Targets failed: %v", err)
	}
	if len(targets) != 0 {
		t.Errorf("inactive user must resolve to nothing, got %v", targets)
	}
}

func TestRoleLookupPrunesInactive(t *testing.T) {
	backend := NewStaticBackend()
	backend.Put("oncall-primary", "infra", "jdoe", "ghost", "asmith")
	directory := NewStaticDirectory()
	directory.Put("jdoe", true)
	directory.Put("ghost", false)
	directory.Put("asmith", true)

	resolver := NewResolver(backend, directory, testLogger())
	targets, err := resolver.Targets(context.Background(), "oncall-primary", "infra")
	if err != nil {
		t.Fatalf("Targets failed: %v", err)
	}
	if !reflect.DeepEqual(targets, []string{"jdoe", "asmith"}) {
		t.Errorf("unexpected targets: %v", targets)
	}
}

// countingBackend counts lookups to verify memoization.
type countingBackend struct {
	inner   *StaticBackend
	lookups int
}

func (b *countingBackend) Lookup(ctx context.Context, role, target string) ([]string, error) {
	b.lookups++
	return b.inner.Lookup(ctx, role, target)
}

func TestLookupsAreMemoizedUntilPurge(t *testing.T) {
	static := NewStaticBackend()
	static.Put("oncall-primary", "infra", "jdoe")
	backend := &countingBackend{inner: static}
	directory := NewStaticDirectory()
	directory.Put("jdoe", true)

	resolver := NewResolver(backend, directory, testLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := resolver.Targets(ctx, "oncall-primary", "infra"); err != nil {
			t.Fatalf("Targets failed: %v", err)
		}
	}
	if backend.lookups != 1 {
		t.Errorf("expected 1 backend lookup, got %d", backend.lookups)
	}

	resolver.Purge()
	if _, err := resolver.Targets(ctx, "oncall-primary", "infra"); err != nil {
		t.Fatalf("Targets failed: %v", err)
	}
	if backend.lookups != 2 {
		t.Errorf("expected a fresh lookup after Purge, got %d", backend.lookups)
	}
}

type failingBackend struct{}

func (failingBackend) Lookup(ctx context.Context, role, target string) ([]string, error) {
	return nil, errors.New("oncall service unavailable")
}

func TestBackendErrorsPropagate(t *testing.T) {
	resolver := NewResolver(failingBackend{}, NewStaticDirectory(), testLogger())
	if _, err := resolver.Targets(context.Background(), "oncall-primary", "infra"); err == nil {
		t.Error("expected an error from the failing backend")
	}
}
