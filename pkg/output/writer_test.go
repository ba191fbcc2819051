package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []Record {
	t.Helper()
	var out []Record
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		if line == "" {
			continue
		}
		var rec Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func TestJSONLWriter_WriteJob(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "batch-1")

	code := 0
	cpu := 12.5
	err := w.WriteJob(context.Background(), &JobRecord{
		Index:      3,
		Dir:        "/runs/3",
		Phase:      PhaseFinished,
		Status:     "success",
		ExitCode:   &code,
		CPUTimeSec: &cpu,
		Duration:   2 * time.Second,
	})
	require.NoError(t, err)

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 1)
	assert.Equal(t, TypeJob, recs[0].Type)
	assert.Equal(t, "batch-1", recs[0].BatchID)
	assert.False(t, recs[0].TS.IsZero())

	var job JobRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &job))
	assert.Equal(t, 3, job.Index)
	assert.Equal(t, PhaseFinished, job.Phase)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 0, *job.ExitCode)
	require.NotNil(t, job.CPUTimeSec)
	assert.InDelta(t, 12.5, *job.CPUTimeSec, 1e-9)
	assert.Equal(t, 2*time.Second, job.Duration)
}

func TestJSONLWriter_RecordTypes(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "b")
	ctx := context.Background()

	idx := 4
	require.NoError(t, w.WriteValue(ctx, &ValueRecord{Dir: "d", Quantity: "energy", Values: []float64{-1.5}}))
	require.NoError(t, w.WriteSweepPoint(ctx, &SweepPointRecord{Index: 1, Parameter: "cutoff", Value: 1.1, Dir: "d/1"}))
	require.NoError(t, w.WriteError(ctx, &ErrorRecord{Code: ErrCodeJobFailed, Message: "exit 1", Index: &idx}))
	require.NoError(t, w.WriteSummary(ctx, &SummaryRecord{Jobs: 5, Succeeded: 4, Failed: 1, DurationHuman: "1s"}))

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 4)
	assert.Equal(t, TypeValue, recs[0].Type)
	assert.Equal(t, TypeSweepPoint, recs[1].Type)
	assert.Equal(t, TypeError, recs[2].Type)
	assert.Equal(t, TypeSummary, recs[3].Type)

	var er ErrorRecord
	require.NoError(t, json.Unmarshal(recs[2].Data, &er))
	assert.Equal(t, ErrCodeJobFailed, er.Code)
	require.NotNil(t, er.Index)
	assert.Equal(t, 4, *er.Index)
}

func TestJSONLWriter_Closed(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "b")
	require.NoError(t, w.Close())

	err := w.WriteJob(context.Background(), &JobRecord{Index: 1})
	assert.ErrorIs(t, err, ErrWriterClosed)
	assert.Zero(t, buf.Len())
}

func TestJSONLWriter_CancelledContext(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "b")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteJob(ctx, &JobRecord{Index: 1})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, buf.Len())
}

func TestJSONLWriter_ConcurrentLinesIntact(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "b")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = w.WriteJob(context.Background(), &JobRecord{Index: i, Phase: PhaseStarted})
		}(i)
	}
	wg.Wait()

	recs := decodeLines(t, &buf)
	assert.Len(t, recs, 50)
}

type shortWriter struct {
	buf bytes.Buffer
}

func (s *shortWriter) Write(p []byte) (int, error) {
	if len(p) > 7 {
		p = p[:7]
	}
	return s.buf.Write(p)
}

type zeroWriter struct{}

func (zeroWriter) Write([]byte) (int, error) { return 0, nil }

func TestWriteAll_ShortWrites(t *testing.T) {
	sw := &shortWriter{}
	w := NewJSONLWriter(sw, "b")
	require.NoError(t, w.WriteJob(context.Background(), &JobRecord{Index: 9, Dir: "somewhere"}))

	var rec Record
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(sw.buf.Bytes()), &rec))
	assert.Equal(t, TypeJob, rec.Type)
}

func TestWriteAll_NoProgress(t *testing.T) {
	w := NewJSONLWriter(zeroWriter{}, "b")
	err := w.WriteJob(context.Background(), &JobRecord{Index: 1})

	var we *WriteError
	require.True(t, errors.As(err, &we))
	assert.Equal(t, "write", we.Op)
}

type failingWriter struct{ Writer }

func (failingWriter) WriteJob(context.Context, *JobRecord) error { return errors.New("boom") }

func TestMulti(t *testing.T) {
	var a, b bytes.Buffer
	m := Multi(NewJSONLWriter(&a, "x"), nil, NewJSONLWriter(&b, "x"))
	require.NoError(t, m.WriteJob(context.Background(), &JobRecord{Index: 1}))
	assert.Len(t, decodeLines(t, &a), 1)
	assert.Len(t, decodeLines(t, &b), 1)

	var c bytes.Buffer
	m = Multi(failingWriter{Discard}, NewJSONLWriter(&c, "x"))
	err := m.WriteJob(context.Background(), &JobRecord{Index: 2})
	assert.EqualError(t, err, "boom")
	assert.Len(t, decodeLines(t, &c), 1, "later writers still receive the record")
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, Discard.WriteJob(ctx, &JobRecord{}))
	assert.NoError(t, Discard.WriteSummary(ctx, &SummaryRecord{}))
	assert.NoError(t, Discard.Close())
}
