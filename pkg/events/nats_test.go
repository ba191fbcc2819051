package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/defcal/pkg/output"
)

type msg struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu      sync.Mutex
	msgs    []msg
	drained bool
	err     error
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg{subject: subj, data: data})
	return nil
}

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func TestPublisher_Subjects(t *testing.T) {
	fc := &fakeConn{}
	p := newPublisher(fc, "", "batch-9")
	ctx := context.Background()

	require.NoError(t, p.WriteJob(ctx, &output.JobRecord{Index: 2, Phase: output.PhaseStarted}))
	require.NoError(t, p.WriteSummary(ctx, &output.SummaryRecord{Jobs: 1}))
	require.NoError(t, p.WriteError(ctx, &output.ErrorRecord{Code: output.ErrCodeTimeout}))

	require.Len(t, fc.msgs, 3)
	assert.Equal(t, "defcal.job", fc.msgs[0].subject)
	assert.Equal(t, "defcal.summary", fc.msgs[1].subject)
	assert.Equal(t, "defcal.error", fc.msgs[2].subject)

	var rec output.Record
	require.NoError(t, json.Unmarshal(fc.msgs[0].data, &rec))
	assert.Equal(t, output.TypeJob, rec.Type)
	assert.Equal(t, "batch-9", rec.BatchID)

	var job output.JobRecord
	require.NoError(t, json.Unmarshal(rec.Data, &job))
	assert.Equal(t, 2, job.Index)
}

func TestPublisher_CustomPrefix(t *testing.T) {
	p := newPublisher(&fakeConn{}, "lab.vasp", "b")
	assert.Equal(t, "lab.vasp.sweep_point", p.Subject("sweep_point"))
}

func TestPublisher_PublishError(t *testing.T) {
	p := newPublisher(&fakeConn{err: errors.New("nope")}, "", "b")
	err := p.WriteValue(context.Background(), &output.ValueRecord{Quantity: "energy"})

	var we *output.WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "publish", we.Op)
}

func TestPublisher_CancelledContext(t *testing.T) {
	fc := &fakeConn{}
	p := newPublisher(fc, "", "b")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, p.WriteJob(ctx, &output.JobRecord{}), context.Canceled)
	assert.Empty(t, fc.msgs)
}

func TestPublisher_CloseDrains(t *testing.T) {
	fc := &fakeConn{}
	p := newPublisher(fc, "", "b")
	require.NoError(t, p.Close())
	assert.True(t, fc.drained)
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1", "", "b")
	assert.Error(t, err)
}
