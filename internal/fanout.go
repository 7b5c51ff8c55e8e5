package internal

import (
	"golang.org/x/exp/slog"
)

type Fanout struct {
	logger   *slog.Logger
	registry *Registry
}

func NewFanout(logger *slog.Logger, registry *Registry) *Fanout {
	return &Fanout{logger: logger, registry: registry}
}

// Broadcast delivers msg to every open observer and returns how many accepted
// it. A failing observer is logged and skipped; closed ones are left for
// Unregister to remove.
func (f *Fanout) Broadcast(msg Message) int {
	delivered := 0

	for _, p := range f.registry.Observers() {
		if !p.Open() {
			continue
		}

		if err := p.Send(msg); err != nil {
			f.logger.Warn("failed to deliver to observer",
				slog.String("id", p.ID()),
				slog.Bool("binary", msg.Binary),
				slog.String("reason", err.Error()),
			)
			continue
		}

		delivered++
	}

	return delivered
}
