package channels

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Manager runs the enabled adapters as a group. A failing adapter
// takes the group down so the supervisor can restart the daemon whole
// rather than limp along half-connected.
type Manager struct {
	adapters []Adapter
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds an adapter to the group.
func (m *Manager) Register(a Adapter) {
	m.adapters = append(m.adapters, a)
}

// Names returns the registered adapter names for startup logging.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.adapters))
	for _, a := range m.adapters {
		names = append(names, a.Name())
	}
	return names
}

// Run starts every adapter and blocks until all have stopped. Returns
// nil when there is nothing to run.
func (m *Manager) Run(ctx context.Context) error {
	if len(m.adapters) == 0 {
		slog.Info("channels.none_enabled")
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, a := range m.adapters {
		g.Go(func() error {
			slog.Info("channel.starting", "channel", a.Name())
			err := a.Run(ctx)
			if err != nil && ctx.Err() == nil {
				slog.Error("channel.failed", "channel", a.Name(), "error", err)
				return err
			}
			slog.Info("channel.stopped", "channel", a.Name())
			return nil
		})
	}
	return g.Wait()
}
