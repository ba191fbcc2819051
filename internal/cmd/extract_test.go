package cmd

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/defcal/pkg/output"
)

func potentialReport(second string) string {
	return " average (electrostatic) potential at core\n" +
		"  the test charge radii are     0.9748\n" +
		"  (the norm of the test charge is              1.0000)\n" +
		"      1 -83.0000      2 " + second + "\n"
}

func TestExtractCommand(t *testing.T) {
	root := t.TempDir()
	first := filepath.Join(root, "0")
	second := filepath.Join(root, "1")
	writeFile(t, filepath.Join(first, "OUTCAR"), energyReport("-5.25"))
	writeFile(t, filepath.Join(second, "OUTCAR"), energyReport("-6.5"))

	t.Run("single directory prints the bare value", func(t *testing.T) {
		out, err := execute(t, "extract", "energy", first)
		require.NoError(t, err)
		assert.Equal(t, "-5.25\n", out)
	})

	t.Run("several directories are labelled", func(t *testing.T) {
		out, err := execute(t, "extract", "energy", first, second)
		require.NoError(t, err)
		assert.Equal(t, first+"\t-5.25\n"+second+"\t-6.5\n", out)
	})

	t.Run("json emits value records", func(t *testing.T) {
		out, err := execute(t, "extract", "energy", "--json", first)
		require.NoError(t, err)

		var rec output.Record
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &rec))
		assert.Equal(t, output.TypeValue, rec.Type)

		var v output.ValueRecord
		require.NoError(t, json.Unmarshal(rec.Data, &v))
		assert.Equal(t, first, v.Dir)
		assert.Equal(t, []float64{-5.25}, v.Values)
		assert.Empty(t, v.Error)
	})

	t.Run("absent quantity", func(t *testing.T) {
		_, err := execute(t, "extract", "fermi", first)
		requireExitCode(t, err, foundry.ExitFileNotFound)
	})

	t.Run("missing report", func(t *testing.T) {
		_, err := execute(t, "extract", "energy", t.TempDir())
		requireExitCode(t, err, foundry.ExitFileNotFound)
	})

	t.Run("unknown quantity", func(t *testing.T) {
		_, err := execute(t, "extract", "entropy", first)
		requireExitCode(t, err, foundry.ExitInvalidArgument)
	})

	t.Run("per-atom quantity needs --atom", func(t *testing.T) {
		_, err := execute(t, "extract", "electrostatic-potential", first)
		requireExitCode(t, err, foundry.ExitInvalidArgument)
	})
}

func TestPACommand(t *testing.T) {
	defect := t.TempDir()
	bulk := t.TempDir()
	writeFile(t, filepath.Join(defect, "OUTCAR"), potentialReport("-82.5000"))
	writeFile(t, filepath.Join(bulk, "OUTCAR"), potentialReport("-83.0000"))

	out, err := execute(t, "pa", defect, bulk, "--defect-atom", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "defect_potential=-82.5\n")
	assert.Contains(t, out, "bulk_potential=-83\n")
	assert.Contains(t, out, "correction=0.5\n")

	_, err = execute(t, "pa", defect, bulk)
	require.Error(t, err, "--defect-atom is required")

	_, err = execute(t, "pa", defect, t.TempDir(), "--defect-atom", "2")
	requireExitCode(t, err, foundry.ExitFileNotFound)

	_, err = execute(t, "pa", defect, bulk, "--defect-atom", "0", "--bulk-atom", "2")
	requireExitCode(t, err, foundry.ExitInvalidArgument)

	_, err = execute(t, "pa", defect, bulk, "--defect-atom", "2", "--bulk-atom", "-1")
	requireExitCode(t, err, foundry.ExitInvalidArgument)
}

func TestFormatValues(t *testing.T) {
	assert.Equal(t, "", formatValues(nil))
	assert.Equal(t, "1.5", formatValues([]float64{1.5}))
	assert.Equal(t, "0.5 -2 3.25", formatValues([]float64{0.5, -2, 3.25}))
}
