// Package natsbridge is the alternate transport for core.Notifier,
// grounded on the teacher's service/natsx package: a thin client over
// github.com/nats-io/nats.go, subject-per-concern routing instead of
// natsx's biz-name indirection (this bridge only ever carries three
// concerns, so a route table would be pure ceremony), and queue-group
// subscriptions so a fleet of exchange nodes load-share inbound
// traffic the way NatsxConsumer.Subscribe does with r.Queue.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/ppmesh/exchange-core/core"
	"github.com/ppmesh/exchange-core/corelog"
)

type Config struct {
	URL           string
	GroupSubject  string
	MessageSubject string
	ChangeSubject string
	QueueGroup    string // empty = broadcast to every subscriber
}

type Bridge struct {
	cfg Config
	log *corelog.Logger
	nc  *nats.Conn
	subs []*nats.Subscription
}

func New(cfg Config, log *corelog.Logger) (*Bridge, error) {
	if log == nil {
		log = corelog.Nop()
	}
	nc, err := nats.Connect(cfg.URL, nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("natsbridge: connect: %w", err)
	}
	return &Bridge{cfg: cfg, log: log, nc: nc}, nil
}

func (b *Bridge) Close() {
	for _, s := range b.subs {
		_ = s.Unsubscribe()
	}
	b.nc.Close()
}

func (b *Bridge) NotifyNewGroups(ctx context.Context, groups []core.Group) error {
	for _, g := range groups {
		if err := b.nc.Publish(b.cfg.GroupSubject, g.Payload); err != nil {
			return fmt.Errorf("natsbridge: publish group: %w", err)
		}
	}
	return nil
}

func (b *Bridge) NotifyNewMessages(ctx context.Context, msgs []core.Message) error {
	for _, m := range msgs {
		if err := b.nc.Publish(b.cfg.MessageSubject, m.Payload); err != nil {
			return fmt.Errorf("natsbridge: publish message: %w", err)
		}
	}
	return nil
}

func (b *Bridge) NotifyChanges(ctx context.Context, event core.ChangeEvent) error {
	buf, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("natsbridge: marshal change event: %w", err)
	}
	if err := b.nc.Publish(b.cfg.ChangeSubject, buf); err != nil {
		return fmt.Errorf("natsbridge: publish change event: %w", err)
	}
	return nil
}

// Subscribe wires GroupSubject/MessageSubject straight into engine,
// queue-grouped when cfg.QueueGroup is set so a fleet of bridges
// load-shares delivery instead of every node processing every raw.
func (b *Bridge) Subscribe(engine *core.Engine) error {
	groupCB := func(m *nats.Msg) {
		engine.NotifyNewGroups([][]byte{append([]byte(nil), m.Data...)}, m.Reply)
	}
	msgCB := func(m *nats.Msg) {
		engine.NotifyNewMessages([][]byte{append([]byte(nil), m.Data...)})
	}

	var sub *nats.Subscription
	var err error
	if b.cfg.QueueGroup == "" {
		sub, err = b.nc.Subscribe(b.cfg.GroupSubject, groupCB)
	} else {
		sub, err = b.nc.QueueSubscribe(b.cfg.GroupSubject, b.cfg.QueueGroup, groupCB)
	}
	if err != nil {
		return fmt.Errorf("natsbridge: subscribe groups: %w", err)
	}
	b.subs = append(b.subs, sub)

	if b.cfg.QueueGroup == "" {
		sub, err = b.nc.Subscribe(b.cfg.MessageSubject, msgCB)
	} else {
		sub, err = b.nc.QueueSubscribe(b.cfg.MessageSubject, b.cfg.QueueGroup, msgCB)
	}
	if err != nil {
		return fmt.Errorf("natsbridge: subscribe messages: %w", err)
	}
	b.subs = append(b.subs, sub)
	return nil
}
