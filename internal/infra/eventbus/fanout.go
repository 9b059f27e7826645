package eventbus

import (
	"context"
	"errors"

	"circle_cycle_engine/internal/app"
	"circle_cycle_engine/internal/domain/cycle"
)

// Fanout publishes each event to every publisher and joins their errors.
type Fanout []app.EventPublisher

func (f Fanout) Publish(ctx context.Context, e cycle.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
