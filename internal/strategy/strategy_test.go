package strategy

import (
	"context"
	"testing"

	"tradingbot/internal/domain"
)

// stubStrategy is a minimal Strategy implementation used in registry tests.
type stubStrategy struct {
	name string
}

func (s *stubStrategy) Name() string                                    { return s.name }
func (s *stubStrategy) Init(_ context.Context) error                    { return nil }
func (s *stubStrategy) OnTick(_ context.Context, _ domain.Ticker) error { return nil }
func (s *stubStrategy) OnFill(_ context.Context, _ domain.Fill) error   { return nil }
func (s *stubStrategy) Status() Status                                  { return Status{Name: s.name} }

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	s := &stubStrategy{name: "test-strategy"}

	r.Register(s)

	got, ok := r.Get("test-strategy")
	if !ok {
		t.Fatal("Get returned false for registered strategy")
	}
	if got.Name() != "test-strategy" {
		t.Errorf("Get returned strategy with Name() = %q, want %q", got.Name(), "test-strategy")
	}
	if st := got.Status(); st.Name != "test-strategy" {
		t.Errorf("Status().Name = %q, want %q", st.Name, "test-strategy")
	}
}

func TestRegistryGet_NotFound(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("nonexistent")
	if ok {
		t.Error("Get returned true for unregistered strategy")
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubStrategy{name: "beta"})
	r.Register(&stubStrategy{name: "alpha"})

	names := r.List()
	if len(names) != 2 {
		t.Fatalf("List returned %d names, want 2", len(names))
	}
	// List returns sorted names.
	if names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("List returned %v, want [alpha beta]", names)
	}
}

func TestRegistryReplace(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubStrategy{name: "grid"})
	r.Register(&stubStrategy{name: "grid"})
	if n := len(r.List()); n != 1 {
		t.Errorf("List returned %d names after re-register, want 1", n)
	}
}
