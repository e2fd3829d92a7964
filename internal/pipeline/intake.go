package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nugget/homepulse/internal/events"
	"github.com/nugget/homepulse/internal/homeassistant"
	"github.com/nugget/homepulse/internal/metrics"
)

// Observer sees every successfully normalized event before it is
// queued. Implementations must not block; the metadata synchronizer
// uses this tap to learn entities from the stream.
type Observer interface {
	ObserveEvent(ev NormalizedEvent)
}

// NewIntake returns the emit function the connector calls for each raw
// frame: normalize, notify the observer, then enqueue with
// backpressure. Removal frames and non-state events are counted and
// dropped; malformed payloads are dead-lettered. obs may be nil.
func NewIntake(q *Queue, obs Observer, logger *slog.Logger, bus *events.Bus, reg *metrics.Registry) homeassistant.EmitFunc {
	if logger == nil {
		logger = slog.Default()
	}
	skipped := reg.Counter("intake_events_skipped")
	malformed := reg.Counter("intake_events_malformed")

	return func(ctx context.Context, raw homeassistant.RawEvent) error {
		ev, err := Normalize(raw)
		switch {
		case err == nil:
			if obs != nil {
				obs.ObserveEvent(ev)
			}
			return q.EnqueueBlocking(ctx, ev)
		case errors.Is(err, ErrNotStateChange), errors.Is(err, ErrNoNewState):
			skipped.Inc()
			return nil
		default:
			malformed.Inc()
			logger.Warn("dropping malformed event", "error", err)
			bus.Publish(events.Event{
				Source: events.SourceRouter,
				Kind:   events.KindDeadLetter,
				Data:   map[string]any{"reason": "normalize:malformed", "count": 1},
			})
			return nil
		}
	}
}
