package main

import (
	"context"

	"github.com/ppmesh/exchange-core/core"
)

// fanoutNotifier lets the node deliver every core.Notifier callback to
// more than one sink at once — the websocket live feed always gets
// it, and whichever transport bridges are configured (Kafka, NATS)
// additionally re-publish for other exchange nodes to pick up.
type fanoutNotifier struct {
	sinks []core.Notifier
}

func (f *fanoutNotifier) NotifyNewGroups(ctx context.Context, groups []core.Group) error {
	var firstErr error
	for _, s := range f.sinks {
		if err := s.NotifyNewGroups(ctx, groups); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *fanoutNotifier) NotifyNewMessages(ctx context.Context, msgs []core.Message) error {
	var firstErr error
	for _, s := range f.sinks {
		if err := s.NotifyNewMessages(ctx, msgs); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *fanoutNotifier) NotifyChanges(ctx context.Context, event core.ChangeEvent) error {
	var firstErr error
	for _, s := range f.sinks {
		if err := s.NotifyChanges(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
