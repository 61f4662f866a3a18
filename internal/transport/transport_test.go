package transport

import (
	"context"
	"testing"

	"github.com/flashprog/flashprog/internal/chip"
	"github.com/flashprog/flashprog/internal/chipio"
	"github.com/flashprog/flashprog/internal/transport/dummy"
)

func dummyFactory(_ context.Context, _ map[string]string) (chipio.Master, error) {
	return dummy.New(64, 0xff), nil
}

func TestRegistryRegisterAndOpen(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("dummy", dummyFactory); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Open(context.Background(), "dummy", nil); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := r.Open(context.Background(), "nope", nil); err == nil {
		t.Fatalf("Open: expected error for unknown programmer")
	}
}

func TestRegistryBounded(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < MaxMasters; i++ {
		name := string(rune('a' + i))
		if err := r.Register(name, dummyFactory); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}
	if err := r.Register("one-too-many", dummyFactory); err != ErrRegistryFull {
		t.Fatalf("Register: got %v, want ErrRegistryFull", err)
	}
}

func TestRegistryDuplicateName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("dummy", dummyFactory); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("dummy", dummyFactory); err == nil {
		t.Fatalf("Register: expected error for duplicate name")
	}
}

func TestProbeNoProbeHook(t *testing.T) {
	d := &chip.Descriptor{Name: "stub", TotalSize: 64, ErasedValue: 0xff}
	m := dummy.New(64, 0xff)
	c, ok, err := Probe(context.Background(), m, d, false)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !ok || c == nil {
		t.Fatalf("Probe: want ok context without a Probe hook")
	}
}

func TestProbeMismatchWithoutForce(t *testing.T) {
	d := &chip.Descriptor{
		Name: "stub", TotalSize: 64, ErasedValue: 0xff,
		Probe: func(chip.Handle) (bool, error) { return false, nil },
	}
	m := dummy.New(64, 0xff)
	if _, _, err := Probe(context.Background(), m, d, false); err == nil {
		t.Fatalf("Probe: expected mismatch error without --force")
	}
	c, ok, err := Probe(context.Background(), m, d, true)
	if err != nil {
		t.Fatalf("Probe with force: %v", err)
	}
	if ok || c == nil {
		t.Fatalf("Probe with force: want a context and ok=false reported back")
	}
}
