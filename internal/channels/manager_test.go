package channels

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeAdapter blocks until ctx is done unless primed with an error.
type fakeAdapter struct {
	name string
	err  error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Run(ctx context.Context) error {
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return nil
}

// TestManagerEmpty verifies a manager with nothing registered returns
// immediately.
func TestManagerEmpty(t *testing.T) {
	if err := NewManager().Run(context.Background()); err != nil {
		t.Errorf("empty manager returned %v", err)
	}
}

// TestManagerNames verifies registration order is preserved.
func TestManagerNames(t *testing.T) {
	m := NewManager()
	m.Register(&fakeAdapter{name: "telegram"})
	m.Register(&fakeAdapter{name: "discord"})

	names := m.Names()
	if len(names) != 2 || names[0] != "telegram" || names[1] != "discord" {
		t.Errorf("Names() = %v", names)
	}
}

// TestManagerFailFast verifies one failing adapter takes the whole
// group down and its error is what Run reports.
func TestManagerFailFast(t *testing.T) {
	boom := errors.New("gateway handshake failed")
	m := NewManager()
	m.Register(&fakeAdapter{name: "healthy"})
	m.Register(&fakeAdapter{name: "broken", err: boom})

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Errorf("Run returned %v, want %v", err, boom)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop after adapter failure")
	}
}

// TestManagerStopsOnCancel verifies cancelling the parent context
// shuts the group down cleanly.
func TestManagerStopsOnCancel(t *testing.T) {
	m := NewManager()
	m.Register(&fakeAdapter{name: "telegram"})
	m.Register(&fakeAdapter{name: "discord"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v after clean cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop on context cancel")
	}
}
