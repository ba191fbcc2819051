package harvest

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/3leaps/defcal/pkg/extract"
	"github.com/3leaps/defcal/pkg/ledger"
)

const outcar = ` E-fermi :   3.2500     XC(G=0): -10.2
  energy  without entropy=      -10.40000000  energy(sigma->0) =      -10.50000000
                  Total CPU time used (sec):      42.000
`

func setupRoot(t *testing.T) (string, []string) {
	t.Helper()
	root := t.TempDir()
	good := filepath.Join(root, "0")
	empty := filepath.Join(root, "1")
	require.NoError(t, os.MkdirAll(good, 0755))
	require.NoError(t, os.MkdirAll(empty, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(good, string(extract.MainReport)), []byte(outcar), 0644))

	store := ledger.NewStore(root)
	require.NoError(t, store.Write(&ledger.Record{Index: 0, Dir: good, State: ledger.StateSuccess, CreatedAt: time.Now().UTC()}))
	return root, []string{good, empty}
}

func TestParseSpec(t *testing.T) {
	s, err := ParseSpec("energy")
	require.NoError(t, err)
	assert.Equal(t, Spec{Kind: extract.QuantityEnergy}, s)
	assert.Equal(t, "energy", s.String())

	s, err = ParseSpec("electrostatic:12")
	require.NoError(t, err)
	assert.Equal(t, Spec{Kind: extract.QuantityElectrostaticPotential, Atom: 12}, s)
	assert.Equal(t, "electrostatic-potential:12", s.String())

	_, err = ParseSpec("electrostatic")
	assert.ErrorIs(t, err, extract.ErrInvalidAtomIndex)
	_, err = ParseSpec("electrostatic:0")
	assert.ErrorIs(t, err, extract.ErrInvalidAtomIndex)
	_, err = ParseSpec("entropy")
	assert.ErrorIs(t, err, extract.ErrUnknownQuantity)

	specs, err := ParseSpecs([]string{"energy", "fermi"})
	require.NoError(t, err)
	assert.Len(t, specs, 2)
}

func TestCollect(t *testing.T) {
	root, dirs := setupRoot(t)
	specs := []Spec{{Kind: extract.QuantityEnergy}, {Kind: extract.QuantityFermi}}

	entries, err := Collect(context.Background(), root, dirs, specs)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	e := entries[0]
	assert.Equal(t, "0", e.Rel)
	require.NotNil(t, e.Index)
	assert.Equal(t, 0, *e.Index)
	assert.Equal(t, ledger.StateSuccess, e.State)
	require.Len(t, e.Measurements, 2)
	assert.NoError(t, e.Measurements[0].Err)
	assert.Equal(t, []float64{-10.5}, e.Measurements[0].Values)
	assert.Equal(t, []float64{3.25}, e.Measurements[1].Values)

	missing := entries[1]
	assert.Nil(t, missing.Index)
	assert.ErrorIs(t, missing.Measurements[0].Err, os.ErrNotExist)
}

func TestCollect_Cancelled(t *testing.T) {
	root, dirs := setupRoot(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	entries, err := Collect(ctx, root, dirs, []Spec{{Kind: extract.QuantityEnergy}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, entries)
}

func TestComponents(t *testing.T) {
	assert.Equal(t, []string{"value"}, Components(extract.QuantityEnergy, 1))
	assert.Equal(t, []string{"vbm", "cbm", "gap"}, Components(extract.QuantityGap, 3))
	assert.Equal(t, []string{"up.vbm", "up.cbm", "up.gap", "down.vbm", "down.cbm", "down.gap"}, Components(extract.QuantityGap, 6))
	assert.Equal(t, []string{"atom", "potential"}, Components(extract.QuantityElectrostaticPotential, 2))
}

func TestStore_SaveAndRows(t *testing.T) {
	root, dirs := setupRoot(t)
	specs := []Spec{{Kind: extract.QuantityEnergy}, {Kind: extract.QuantityCPUTime}}
	entries, err := Collect(context.Background(), root, dirs, specs)
	require.NoError(t, err)

	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "db", "results.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	require.NoError(t, store.Save(ctx, "h1", root, specs, entries))
	// saving again replaces rather than duplicates
	require.NoError(t, store.Save(ctx, "h1", root, specs, entries))

	rows, err := store.Rows(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, "0", rows[0].RelDir)
	assert.Equal(t, "cpu-time", rows[0].Quantity)
	require.NotNil(t, rows[0].Value)
	assert.InDelta(t, 42.0, *rows[0].Value, 1e-9)
	require.NotNil(t, rows[0].JobIndex)
	assert.Equal(t, "success", rows[0].State)

	assert.Equal(t, "energy", rows[1].Quantity)
	assert.InDelta(t, -10.5, *rows[1].Value, 1e-9)

	assert.Equal(t, "1", rows[2].RelDir)
	assert.Nil(t, rows[2].Value)
	assert.Equal(t, "error", rows[2].Component)
	assert.NotEmpty(t, rows[2].Error)
	assert.Nil(t, rows[2].JobIndex)

	ids, err := store.Harvests(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, ids)
}

func TestStore_Memory(t *testing.T) {
	store, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	rows, err := store.Rows(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open(context.Background(), " ")
	assert.Error(t, err)
}

func TestWriteXLSX(t *testing.T) {
	root, dirs := setupRoot(t)
	specs := []Spec{{Kind: extract.QuantityEnergy}, {Kind: extract.QuantityFermi}}
	entries, err := Collect(context.Background(), root, dirs, specs)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, specs, entries))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows(SheetResults)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"Directory", "Index", "State", "energy", "fermi"}, rows[0])
	assert.Equal(t, []string{"0", "0", "success", "-10.5", "3.25"}, rows[1])
	assert.Equal(t, "1", rows[2][0])

	errRows, err := f.GetRows(SheetErrors)
	require.NoError(t, err)
	require.Len(t, errRows, 3)
	assert.Equal(t, []string{"1", "energy"}, errRows[1][:2])
	assert.Equal(t, []string{"1", "fermi"}, errRows[2][:2])
}
