// Package eventbus publishes task-state transitions for the external
// dashboard and file-watcher collaborators named in spec §1. Publication
// is best-effort and nil-safe: nothing in the cache engine or map driver
// depends on a subscriber being present.
package eventbus

import (
	"context"
	"encoding/json"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// Publisher publishes TaskState transition events to a NATS subject.
// A nil *Publisher is valid and Publish becomes a no-op.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// New connects to url and returns a Publisher bound to subject. If url is
// empty, it returns a nil-backed Publisher that silently drops events.
func New(url, subject string) (*Publisher, error) {
	if url == "" {
		return &Publisher{}, nil
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc, subject: subject}, nil
}

// Event is the wire shape of a task terminal-state transition.
type Event struct {
	Pipeline string `json:"pipeline"`
	Task     string `json:"task"`
	Status   string `json:"status"`
	Reason   string `json:"reason"`
}

// Publish injects trace context into the message headers and publishes ev.
// No-op when the publisher has no live connection.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if p == nil || p.nc == nil {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: p.subject, Data: data, Header: hdr}
	return p.nc.PublishMsg(msg)
}

// Subscribe wraps nc.Subscribe and extracts trace context for each message,
// starting a child span before invoking handler. Exposed for the external
// dashboard/watcher collaborators, not used by the core itself.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		tr := otel.Tracer("kapten-eventbus")
		ctx, span := tr.Start(ctx, "eventbus.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}

// Close closes the underlying connection, if any.
func (p *Publisher) Close() {
	if p != nil && p.nc != nil {
		p.nc.Close()
	}
}
