package report

import (
	"bytes"
	"image"
	_ "image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var classNames = []string{"healthy", "ring", "schizont"}

func testCounts() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		5, 1, 0,
		0, 3, 2,
		0, 0, 4,
	})
}

func TestConfusionTable(t *testing.T) {
	rows, err := ConfusionTable(testCounts(), classNames)
	require.NoError(t, err)
	require.Len(t, rows, 9)

	assert.Equal(t, Row{Actual: "healthy", Predicted: "healthy", NPredictions: 5}, rows[0])
	assert.Equal(t, Row{Actual: "ring", Predicted: "schizont", NPredictions: 2}, rows[5])

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, rows))
	assert.Contains(t, buf.String(), "Actual,Predicted,nPredictions\nhealthy,healthy,5\n")
}

func TestConfusionTableDimensionErrors(t *testing.T) {
	_, err := ConfusionTable(testCounts(), classNames[:2])
	assert.Error(t, err)

	_, err = ConfusionTable(mat.NewDense(2, 3, nil), classNames)
	assert.Error(t, err)
}

func TestSaveConfusionHeatmap(t *testing.T) {
	tests := []struct {
		name   string
		counts *mat.Dense
	}{
		{name: "counts", counts: testCounts()},
		{name: "all zero", counts: mat.NewDense(3, 3, nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "confusion.png")
			require.NoError(t, SaveConfusionHeatmap(tt.counts, classNames, "validation confusion matrix", path))

			f, err := os.Open(path)
			require.NoError(t, err)
			defer f.Close()

			cfg, format, err := image.DecodeConfig(f)
			require.NoError(t, err)
			assert.Equal(t, "png", format)
			assert.Positive(t, cfg.Width)
		})
	}
}
