// Package runner executes batch jobs as external processes under a
// bounded worker pool.
//
// Each job runs the configured executable inside its own directory with
// stdout and stderr captured to stdout.log and stderr.log. A ledger record
// (job.json) is written when the job starts and again when it exits.
// Failures are isolated: one failing job never stops the batch, and no
// job is retried.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/defcal/pkg/batch"
	"github.com/3leaps/defcal/pkg/extract"
	"github.com/3leaps/defcal/pkg/ledger"
	"github.com/3leaps/defcal/pkg/output"
	"github.com/3leaps/defcal/pkg/report"
)

// Log files written into every job directory.
const (
	StdoutLog = "stdout.log"
	StderrLog = "stderr.log"
)

// Environment variables exported to every job process.
const (
	EnvJobIndex = "DEFCAL_JOB_INDEX"
	EnvJobDir   = "DEFCAL_JOB_DIR"
	EnvBatchID  = "DEFCAL_BATCH_ID"
)

// Stats is a snapshot of the runner's counters.
type Stats struct {
	Started     int64
	Succeeded   int64
	Failed      int64
	Skipped     int64
	PeakRunning int64
}

// Runner executes batches of jobs.
//
// A Runner may execute several batches in sequence; counters accumulate.
type Runner struct {
	cfg    Config
	store  *ledger.Store
	writer output.Writer
	log    *zap.Logger
	sweep  map[int]ledger.SweepInfo

	// Rate limiter (nil if unlimited)
	limiter *rate.Limiter

	running     atomic.Int64
	peakRunning atomic.Int64
	started     atomic.Int64
	succeeded   atomic.Int64
	failed      atomic.Int64
	skipped     atomic.Int64
}

// New creates a runner. Zero-valued fields of cfg take their defaults.
func New(cfg Config) *Runner {
	cfg.applyDefaults()
	if cfg.BatchID == "" {
		cfg.BatchID = uuid.NewString()
	}

	r := &Runner{
		cfg:    cfg,
		store:  ledger.NewStore(""),
		writer: output.Discard,
		log:    zap.NewNop(),
	}
	if cfg.LaunchRate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.LaunchRate), 1)
	}
	return r
}

// WithWriter sets the record writer. Returns the runner for chaining.
func (r *Runner) WithWriter(w output.Writer) *Runner {
	if w != nil {
		r.writer = w
	}
	return r
}

// WithLogger sets the logger. Returns the runner for chaining.
func (r *Runner) WithLogger(l *zap.Logger) *Runner {
	if l != nil {
		r.log = l
	}
	return r
}

// WithSweep attaches sweep point information, keyed by job index, to the
// ledger records of matching jobs.
func (r *Runner) WithSweep(points map[int]ledger.SweepInfo) *Runner {
	r.sweep = points
	return r
}

// Config returns the effective configuration.
func (r *Runner) Config() Config {
	return r.cfg
}

// BatchID returns the correlation ID of this runner.
func (r *Runner) BatchID() string {
	return r.cfg.BatchID
}

// Stats returns a snapshot of the counters.
func (r *Runner) Stats() Stats {
	return Stats{
		Started:     r.started.Load(),
		Succeeded:   r.succeeded.Load(),
		Failed:      r.failed.Load(),
		Skipped:     r.skipped.Load(),
		PeakRunning: r.peakRunning.Load(),
	}
}

// Run executes descs and returns one result per descriptor in submission
// order.
//
// The error is non-nil only for an invalid configuration or when ctx was
// cancelled. On cancellation running jobs receive SIGTERM, are killed
// after KillGrace, and jobs that never started report Failed with
// context.Canceled unless the resume policy skips them; the result slice
// is still complete.
func (r *Runner) Run(ctx context.Context, descs []batch.Descriptor) ([]Result, error) {
	if err := r.cfg.validate(); err != nil {
		return nil, err
	}

	startTime := time.Now()
	results := make([]Result, len(descs))

	r.log.Info("batch starting",
		zap.String("batch_id", r.cfg.BatchID),
		zap.Int("jobs", len(descs)),
		zap.Int("parallelism", r.cfg.Parallelism),
	)

	// Use a semaphore to limit concurrency
	sem := make(chan struct{}, r.cfg.Parallelism)
	var wg sync.WaitGroup

	for i, d := range descs {
		if r.canSkip(d) {
			results[i] = r.skip(ctx, d)
			continue
		}

		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			r.abandon(ctx, context.Cause(ctx), descs[i:], results[i:])
			break
		}
		if err := r.waitForRateLimit(ctx); err != nil {
			<-sem
			r.abandon(ctx, err, descs[i:], results[i:])
			break
		}

		wg.Add(1)
		go func(i int, d batch.Descriptor) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = r.runJob(ctx, d)
		}(i, d)
	}

	wg.Wait()

	sum := Summarize(results)
	duration := time.Since(startTime)
	r.log.Info("batch finished",
		zap.String("batch_id", r.cfg.BatchID),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed),
		zap.Int("skipped", sum.Skipped),
		zap.Duration("duration", duration),
	)
	_ = r.writer.WriteSummary(context.WithoutCancel(ctx), &output.SummaryRecord{
		Jobs:          sum.Jobs,
		Succeeded:     sum.Succeeded,
		Failed:        sum.Failed,
		Skipped:       sum.Skipped,
		Duration:      duration,
		DurationHuman: duration.Round(time.Millisecond).String(),
		CPUTimeSec:    sum.CPUTime,
	})

	return results, ctx.Err()
}

// abandon fills results for jobs that were never started. Jobs the resume
// policy would skip keep their Skipped outcome.
func (r *Runner) abandon(ctx context.Context, cause error, descs []batch.Descriptor, results []Result) {
	for i, d := range descs {
		if r.canSkip(d) {
			results[i] = r.skip(context.WithoutCancel(ctx), d)
			continue
		}
		results[i] = Result{
			Index:    d.Index,
			Dir:      d.Dir,
			Status:   StatusFailed,
			ExitCode: -1,
			Err:      &JobError{Index: d.Index, ExitCode: -1, Err: cause},
		}
		r.failed.Add(1)
	}
}

// canSkip reports whether the resume policy lets d keep its previous
// outcome. A sweep point is only skipped when its record was produced for
// the same parameter value.
func (r *Runner) canSkip(d batch.Descriptor) bool {
	if r.cfg.Resume != ResumeSkipSucceeded {
		return false
	}
	rec, err := r.store.Get(d.Dir)
	if err != nil || rec.State != ledger.StateSuccess {
		return false
	}
	if info, ok := r.sweep[d.Index]; ok {
		return rec.Sweep != nil && *rec.Sweep == info
	}
	return true
}

// skip records a job that already succeeded.
func (r *Runner) skip(ctx context.Context, d batch.Descriptor) Result {
	r.skipped.Add(1)
	res := Result{Index: d.Index, Dir: d.Dir, Status: StatusSkipped, ExitCode: 0}
	if rec, err := r.store.Get(d.Dir); err == nil {
		if rec.ExitCode != nil {
			res.ExitCode = *rec.ExitCode
		}
		if rec.StartedAt != nil {
			res.StartedAt = *rec.StartedAt
		}
		if rec.EndedAt != nil {
			res.EndedAt = *rec.EndedAt
		}
		res.CPUTime = rec.CPUTimeSec
	}
	if res.CPUTime == nil {
		res.CPUTime = readCPUTime(d.Dir, time.Time{})
	}

	r.log.Debug("job skipped", zap.Int("index", d.Index), zap.String("dir", d.Dir))
	_ = r.writer.WriteJob(ctx, &output.JobRecord{
		Index:      d.Index,
		Dir:        d.Dir,
		Phase:      output.PhaseSkipped,
		Status:     string(StatusSkipped),
		CPUTimeSec: res.CPUTime,
	})
	return res
}

// runJob runs one process to completion and records its outcome.
func (r *Runner) runJob(ctx context.Context, d batch.Descriptor) Result {
	res := Result{Index: d.Index, Dir: d.Dir, ExitCode: -1}
	now := time.Now().UTC()
	rec := &ledger.Record{
		Index:      d.Index,
		Dir:        d.Dir,
		BatchID:    r.cfg.BatchID,
		State:      ledger.StateQueued,
		Command:    append([]string{r.cfg.Command}, r.cfg.Args...),
		CreatedAt:  now,
		StdoutPath: filepath.Join(d.Dir, StdoutLog),
		StderrPath: filepath.Join(d.Dir, StderrLog),
	}
	if info, ok := r.sweep[d.Index]; ok {
		rec.Sweep = &info
	}

	log := r.log.With(zap.Int("index", d.Index), zap.String("dir", d.Dir))

	cmd, closeLogs, err := r.command(ctx, d, rec)
	if closeLogs != nil {
		defer closeLogs()
	}
	if err != nil {
		return r.finish(ctx, log, rec, res, time.Now().UTC(), err)
	}

	startedAt := time.Now().UTC()
	if err := cmd.Start(); err != nil {
		return r.finish(ctx, log, rec, res, startedAt, fmt.Errorf("start %s: %w", r.cfg.Command, err))
	}
	res.StartedAt = startedAt
	rec.StartedAt = &startedAt
	rec.State = ledger.StateRunning
	rec.PID = cmd.Process.Pid
	r.started.Add(1)
	r.trackRunning(1)

	if err := r.store.Write(rec); err != nil {
		log.Warn("write ledger record", zap.Error(err))
	}
	log.Info("job started", zap.Int("pid", rec.PID))
	_ = r.writer.WriteJob(ctx, &output.JobRecord{Index: d.Index, Dir: d.Dir, Phase: output.PhaseStarted})

	waitErr := cmd.Wait()
	r.trackRunning(-1)

	if waitErr == nil {
		res.ExitCode = 0
		return r.finish(ctx, log, rec, res, startedAt, nil)
	}
	if cmd.jobCtx.Err() != nil {
		return r.finish(ctx, log, rec, res, startedAt, context.Cause(cmd.jobCtx))
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}
	return r.finish(ctx, log, rec, res, startedAt, waitErr)
}

// jobCmd couples a process with the context bounding it.
type jobCmd struct {
	*exec.Cmd
	jobCtx context.Context
}

// command prepares the process for d. The returned cleanup closes log
// files and releases the job context.
func (r *Runner) command(ctx context.Context, d batch.Descriptor, rec *ledger.Record) (*jobCmd, func(), error) {
	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create job dir: %w", err)
	}
	stdout, err := os.Create(rec.StdoutPath)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", StdoutLog, err)
	}
	stderr, err := os.Create(rec.StderrPath)
	if err != nil {
		_ = stdout.Close()
		return nil, nil, fmt.Errorf("create %s: %w", StderrLog, err)
	}

	var (
		jobCtx context.Context
		cancel context.CancelFunc
	)
	if r.cfg.JobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, r.cfg.JobTimeout)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	cleanup := func() {
		cancel()
		_ = stdout.Close()
		_ = stderr.Close()
	}

	cmd := exec.CommandContext(jobCtx, r.cfg.Command, r.cfg.Args...)
	cmd.Dir = d.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	cmd.Env = append(cmd.Env,
		EnvJobIndex+"="+strconv.Itoa(d.Index),
		EnvJobDir+"="+d.Dir,
		EnvBatchID+"="+r.cfg.BatchID,
	)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.cfg.KillGrace

	return &jobCmd{Cmd: cmd, jobCtx: jobCtx}, cleanup, nil
}

// finish classifies the outcome, persists it and emits the job record.
// cause is nil for a successful run.
func (r *Runner) finish(ctx context.Context, log *zap.Logger, rec *ledger.Record, res Result, startedAt time.Time, cause error) Result {
	endedAt := time.Now().UTC()
	if res.StartedAt.IsZero() {
		res.StartedAt = startedAt
		rec.StartedAt = &startedAt
	}
	res.EndedAt = endedAt
	rec.EndedAt = &endedAt
	rec.ExitCode = &res.ExitCode
	res.CPUTime = readCPUTime(rec.Dir, startedAt)
	rec.CPUTimeSec = res.CPUTime

	if cause == nil {
		res.Status = StatusSuccess
		rec.State = ledger.StateSuccess
		r.succeeded.Add(1)
		log.Info("job succeeded", zap.Duration("elapsed", res.Duration()))
	} else {
		res.Status = StatusFailed
		res.Err = &JobError{Index: res.Index, ExitCode: res.ExitCode, Err: cause}
		rec.Error = res.Err.Error()
		rec.State = ledger.StateFailed
		if prev, err := r.store.Get(rec.Dir); err == nil && prev.State == ledger.StateStopping {
			rec.State = ledger.StateStopped
		} else if errors.Is(cause, context.Canceled) {
			rec.State = ledger.StateStopped
		}
		r.failed.Add(1)
		log.Warn("job failed", zap.Int("exit_code", res.ExitCode), zap.Error(cause))
		_ = r.writer.WriteError(context.WithoutCancel(ctx), &output.ErrorRecord{
			Code:    errorCode(cause),
			Message: res.Err.Error(),
			Index:   &res.Index,
			Dir:     res.Dir,
		})
	}

	if err := r.store.Write(rec); err != nil {
		log.Warn("write ledger record", zap.Error(err))
	}

	job := &output.JobRecord{
		Index:      res.Index,
		Dir:        res.Dir,
		Phase:      output.PhaseFinished,
		Status:     string(res.Status),
		ExitCode:   &res.ExitCode,
		CPUTimeSec: res.CPUTime,
		Duration:   res.Duration(),
	}
	if res.Err != nil {
		job.Error = res.Err.Error()
	}
	_ = r.writer.WriteJob(context.WithoutCancel(ctx), job)
	return res
}

func (r *Runner) trackRunning(delta int64) {
	n := r.running.Add(delta)
	for {
		peak := r.peakRunning.Load()
		if n <= peak || r.peakRunning.CompareAndSwap(peak, n) {
			return
		}
	}
}

// waitForRateLimit blocks until the rate limiter allows a launch.
// Returns immediately if rate limiting is disabled.
func (r *Runner) waitForRateLimit(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	return r.limiter.Wait(ctx)
}

// readCPUTime returns the CPU time of the report in dir. A report last
// modified before since belongs to an earlier run and is ignored.
func readCPUTime(dir string, since time.Time) *float64 {
	path, err := report.Find(dir, string(extract.MainReport))
	if err != nil {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil || info.ModTime().Before(since.Truncate(time.Second)) {
		return nil
	}
	v, err := extract.New(dir).CPUTime()
	if err != nil {
		return nil
	}
	return &v
}

func errorCode(cause error) string {
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		return output.ErrCodeTimeout
	case errors.Is(cause, context.Canceled):
		return output.ErrCodeCancelled
	default:
		return output.ErrCodeJobFailed
	}
}
