// Package events publishes batch records to a NATS subject tree.
//
// Every output record is published as JSON to "<prefix>.<kind>", where kind
// is one of job, value, sweep_point, error or summary. The payload is the
// same envelope written by the JSONL writer so subscribers and log files
// share one format.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/3leaps/defcal/pkg/output"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "defcal"

// conn is the subset of *nats.Conn the publisher needs.
type conn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

// Publisher is an output.Writer backed by a NATS connection.
type Publisher struct {
	nc      conn
	prefix  string
	batchID string
}

// Connect dials the server at url and returns a Publisher for batchID.
func Connect(url, prefix, batchID string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("defcal"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return newPublisher(nc, prefix, batchID), nil
}

func newPublisher(nc conn, prefix, batchID string) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{nc: nc, prefix: prefix, batchID: batchID}
}

// Subject returns the subject a record kind is published on.
func (p *Publisher) Subject(kind string) string {
	return p.prefix + "." + kind
}

func (p *Publisher) WriteJob(ctx context.Context, job *output.JobRecord) error {
	return p.publish(ctx, "job", output.TypeJob, job)
}

func (p *Publisher) WriteValue(ctx context.Context, v *output.ValueRecord) error {
	return p.publish(ctx, "value", output.TypeValue, v)
}

func (p *Publisher) WriteSweepPoint(ctx context.Context, sp *output.SweepPointRecord) error {
	return p.publish(ctx, "sweep_point", output.TypeSweepPoint, sp)
}

func (p *Publisher) WriteError(ctx context.Context, e *output.ErrorRecord) error {
	return p.publish(ctx, "error", output.TypeError, e)
}

func (p *Publisher) WriteSummary(ctx context.Context, sum *output.SummaryRecord) error {
	return p.publish(ctx, "summary", output.TypeSummary, sum)
}

// Close drains the connection, flushing pending publishes.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, kind, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return &output.WriteError{Op: "marshal_data", Err: err}
	}
	b, err := json.Marshal(output.Record{
		Type:    recordType,
		TS:      time.Now().UTC(),
		BatchID: p.batchID,
		Data:    payload,
	})
	if err != nil {
		return &output.WriteError{Op: "marshal_record", Err: err}
	}
	if err := p.nc.Publish(p.Subject(kind), b); err != nil {
		return &output.WriteError{Op: "publish", Err: err}
	}
	return nil
}

var _ output.Writer = (*Publisher)(nil)
