// Package orchestrator is the core API of defcal: it ties extraction,
// partitioning, sweep generation and the parallel runner together.
//
// The CLI in internal/cmd is a thin layer over these functions.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/3leaps/defcal/pkg/batch"
	"github.com/3leaps/defcal/pkg/extract"
	"github.com/3leaps/defcal/pkg/ledger"
	"github.com/3leaps/defcal/pkg/output"
	"github.com/3leaps/defcal/pkg/runner"
	"github.com/3leaps/defcal/pkg/structure"
	"github.com/3leaps/defcal/pkg/sweep"
)

// Extract reads one quantity from the reports in dir. kind is a quantity
// name or alias ("energy", "gap", "mag", ...); atom is only used by the
// electrostatic potential.
func Extract(dir, kind string, atom int) (extract.Value, error) {
	q, err := extract.ParseQuantity(kind)
	if err != nil {
		return extract.Value{}, err
	}
	return extract.Extract(dir, q, atom)
}

// Align computes the potential-alignment correction between a defect
// directory and its reference.
func Align(defectDir, bulkDir string, defectAtom, bulkAtom int) (*extract.Alignment, error) {
	return extract.PotentialAlignment(defectDir, bulkDir, defectAtom, bulkAtom)
}

// BatchOptions configures RunBatch.
type BatchOptions struct {
	// Runner configures process execution.
	Runner runner.Config

	// Total and Start select indices [Start, Total).
	Total int
	Start int

	// Naming maps indices to job directories.
	Naming batch.Naming

	// Writer receives job, error and summary records. Nil discards them.
	Writer output.Writer

	Logger *zap.Logger
}

// Report is the outcome of a batch.
type Report struct {
	BatchID string
	Results []runner.Result
	Summary runner.Summary
	Stats   runner.Stats
}

// RunBatch partitions [Start, Total) into job directories and runs them.
//
// Results are complete even when ctx is cancelled; the returned error is
// then ctx's error. Job failures are reported per result, not as an error.
func RunBatch(ctx context.Context, opts BatchOptions) (*Report, error) {
	descs, err := batch.Partition(opts.Total, opts.Start, opts.Naming)
	if err != nil {
		return nil, err
	}
	r := runner.New(opts.Runner).WithWriter(opts.Writer).WithLogger(opts.Logger)
	return run(ctx, r, descs)
}

// SweepOptions configures Sweep.
type SweepOptions struct {
	Sweep sweep.Options

	// Runner configures process execution. Parallelism defaults to 4.
	Runner runner.Config

	Writer output.Writer
	Logger *zap.Logger
}

// SweepReport is the outcome of a sweep.
type SweepReport struct {
	Report
	Points []sweep.Point
}

// Sweep generates one job directory per sweep value and runs them all.
func Sweep(ctx context.Context, opts SweepOptions) (*SweepReport, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	w := opts.Writer
	if w == nil {
		w = output.Discard
	}

	points, err := sweep.GenerateWith(opts.Sweep)
	if err != nil {
		return nil, err
	}
	log.Info("sweep generated",
		zap.String("parameter", opts.Sweep.Parameter),
		zap.Int("points", len(points)),
		zap.String("out_dir", opts.Sweep.OutDir),
	)

	descs := make([]batch.Descriptor, len(points))
	info := make(map[int]ledger.SweepInfo, len(points))
	for i, p := range points {
		descs[i] = batch.Descriptor{Index: p.Index, Dir: p.Dir}
		info[p.Index] = ledger.SweepInfo{Parameter: opts.Sweep.Parameter, Value: p.Value}
		_ = w.WriteSweepPoint(ctx, &output.SweepPointRecord{
			Index:     p.Index,
			Parameter: opts.Sweep.Parameter,
			Value:     p.Value,
			Dir:       p.Dir,
		})
	}

	r := runner.New(opts.Runner).WithWriter(w).WithLogger(log).WithSweep(info)
	rep, err := run(ctx, r, descs)
	if rep == nil {
		return nil, err
	}
	return &SweepReport{Report: *rep, Points: points}, err
}

func run(ctx context.Context, r *runner.Runner, descs []batch.Descriptor) (*Report, error) {
	results, err := r.Run(ctx, descs)
	if results == nil {
		return nil, err
	}
	return &Report{
		BatchID: r.BatchID(),
		Results: results,
		Summary: runner.Summarize(results),
		Stats:   r.Stats(),
	}, err
}

// Converge reads the energies of a finished sweep in outDir and reports
// how they settle. Points whose energy cannot be read are left out; at
// least one must remain.
//
// The atom count comes from the POSCAR of the first point when reader
// can load it, otherwise energies are compared per cell.
func Converge(outDir string, tolerance float64, reader structure.Reader) (*sweep.Convergence, error) {
	m, err := sweep.ReadManifest(outDir)
	if err != nil {
		return nil, fmt.Errorf("read sweep: %w", err)
	}
	if reader == nil {
		reader = structure.POSCARHeader{}
	}

	var values, energies []float64
	for _, p := range m.Points {
		e, err := extract.New(p.Dir).Energy()
		if err != nil {
			continue
		}
		values = append(values, p.Value)
		energies = append(energies, e)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: no point of %s has a final energy", extract.ErrNotFound, outDir)
	}

	atoms := 1
	if len(m.Points) > 0 {
		if s, err := reader.Read(filepath.Join(m.Points[0].Dir, sweep.FilePOSCAR)); err == nil {
			atoms = s.NumAtoms()
		}
	}
	return sweep.Analyze(values, energies, atoms, tolerance)
}
