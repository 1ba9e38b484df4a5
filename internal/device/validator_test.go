package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haulfleet/ingestd/internal/telemetry"
)

type fakeRepo struct {
	calls int
	trucks map[string]*telemetry.Truck
	err    error
}

func (f *fakeRepo) FindTruckByIdentifier(ctx context.Context, identifier string) (*telemetry.Truck, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.trucks[identifier], nil
}

func TestResolveCachesPositiveResult(t *testing.T) {
	repo := &fakeRepo{trucks: map[string]*telemetry.Truck{
		"123456789012345": {ID: 1, Identifier: "123456789012345", Status: telemetry.TruckActive},
	}}
	v := New(repo, Config{})

	for i := 0; i < 3; i++ {
		truck, err := v.Resolve(context.Background(), "123456789012345")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if truck.ID != 1 {
			t.Fatalf("truck.ID = %d, want 1", truck.ID)
		}
	}
	if repo.calls != 1 {
		t.Fatalf("repo.calls = %d, want 1 (second/third should hit cache)", repo.calls)
	}
}

func TestResolveCachesNegativeResult(t *testing.T) {
	repo := &fakeRepo{trucks: map[string]*telemetry.Truck{}}
	v := New(repo, Config{NegativeTTL: time.Minute})

	for i := 0; i < 3; i++ {
		_, err := v.Resolve(context.Background(), "999999999999999")
		if !errors.Is(err, ErrUnregistered) {
			t.Fatalf("err = %v, want ErrUnregistered", err)
		}
	}
	if repo.calls != 1 {
		t.Fatalf("repo.calls = %d, want 1", repo.calls)
	}
}

func TestResolveExpiresTTL(t *testing.T) {
	repo := &fakeRepo{trucks: map[string]*telemetry.Truck{
		"111": {ID: 2, Identifier: "111"},
	}}
	v := New(repo, Config{TTL: time.Millisecond})

	if _, err := v.Resolve(context.Background(), "111"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := v.Resolve(context.Background(), "111"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if repo.calls != 2 {
		t.Fatalf("repo.calls = %d, want 2 (TTL should have expired the first entry)", repo.calls)
	}
}

func TestResolveRepositoryError(t *testing.T) {
	repo := &fakeRepo{err: errors.New("boom")}
	v := New(repo, Config{})

	_, err := v.Resolve(context.Background(), "anything")
	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.Is(err, ErrUnregistered) {
		t.Fatal("repository errors must not be confused with ErrUnregistered")
	}
}

func TestResolveEvictsLRUBeyondCap(t *testing.T) {
	repo := &fakeRepo{trucks: map[string]*telemetry.Truck{
		"a": {ID: 1, Identifier: "a"},
		"b": {ID: 2, Identifier: "b"},
		"c": {ID: 3, Identifier: "c"},
	}}
	v := New(repo, Config{MaxEntries: 2})

	ctx := context.Background()
	mustResolve(t, v, ctx, "a")
	mustResolve(t, v, ctx, "b")
	mustResolve(t, v, ctx, "c") // evicts "a" (least recently used)

	if v.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", v.Len())
	}

	repo.calls = 0
	mustResolve(t, v, ctx, "a") // must re-fetch, was evicted
	if repo.calls != 1 {
		t.Fatalf("repo.calls = %d, want 1 (a should have been evicted)", repo.calls)
	}
}

func mustResolve(t *testing.T, v *Validator, ctx context.Context, id string) {
	t.Helper()
	if _, err := v.Resolve(ctx, id); err != nil {
		t.Fatalf("Resolve(%q): %v", id, err)
	}
}
