package metrics

import (
	"testing"

	"github.com/nvr-ai/go-yogo/common"
	"github.com/nvr-ai/go-yogo/grid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

const (
	testSy = 2
	testSx = 2
)

// prediction places one predicted box, with score and class, in the cell of its center.
type prediction struct {
	box   common.Box
	score float32
	class int
}

func labelGrid(t *testing.T, batch [][]common.Label) *tensor.Dense {
	t.Helper()

	labels, err := grid.EncodeLabels(batch, testSy, testSx)
	require.NoError(t, err)
	return labels
}

func predictionGrid(batch [][]prediction, numClasses int) *tensor.Dense {
	channels := grid.PredClassOffset + numClasses
	data := make([]float32, len(batch)*channels*testSy*testSx)
	at := func(b, c, y, x int) *float32 {
		return &data[((b*channels+c)*testSy+y)*testSx+x]
	}

	for b, preds := range batch {
		for _, p := range preds {
			y, x := grid.CellOf(p.box, testSy, testSx)
			*at(b, grid.PredXC, y, x) = float32(p.box.XC)
			*at(b, grid.PredYC, y, x) = float32(p.box.YC)
			*at(b, grid.PredW, y, x) = float32(p.box.W)
			*at(b, grid.PredH, y, x) = float32(p.box.H)
			*at(b, grid.PredObjectness, y, x) = p.score
			*at(b, grid.PredClassOffset+p.class, y, x) = 5
		}
	}
	return tensor.New(tensor.WithShape(len(batch), channels, testSy, testSx), tensor.WithBacking(data))
}

var (
	topLeft     = common.Box{XC: 0.25, YC: 0.25, W: 0.2, H: 0.2}
	bottomRight = common.Box{XC: 0.75, YC: 0.75, W: 0.2, H: 0.2}
	// farOff shares the bottom-right cell but does not overlap bottomRight.
	farOff = common.Box{XC: 0.95, YC: 0.55, W: 0.05, H: 0.05}
)

func TestMetricsPerfectPredictions(t *testing.T) {
	m, err := New(3)
	require.NoError(t, err)

	labels := labelGrid(t, [][]common.Label{
		{{Class: 0, Box: topLeft}, {Class: 2, Box: bottomRight}},
		{{Class: 1, Box: topLeft}},
	})
	preds := predictionGrid([][]prediction{
		{{box: topLeft, score: 0.9, class: 0}, {box: bottomRight, score: 0.8, class: 2}},
		{{box: topLeft, score: 0.7, class: 1}},
	}, 3)

	require.NoError(t, m.Update(preds, labels))

	summary, confusion := m.Compute()
	assert.InDelta(t, 1, summary.MAP(), 1e-9)
	assert.InDelta(t, 1, summary[KeyMAP50], 1e-9)
	assert.InDelta(t, 1, summary[KeyMAP75], 1e-9)
	assert.InDelta(t, 1, summary[KeyMAR], 1e-9)
	for class := 0; class < 3; class++ {
		assert.InDelta(t, 1, summary[ClassMAPKey(class)], 1e-9)
	}

	assert.Equal(t, 2*testSy*testSx, confusion.Len())
	assert.Equal(t, tensor.Shape{8, 3}, confusion.Probabilities.Shape())
	assert.InDelta(t, 1, m.Accuracy(), 1e-9)
	assert.Equal(t, 3.0, m.ConfusionMatrix().At(0, 0)+m.ConfusionMatrix().At(1, 1)+m.ConfusionMatrix().At(2, 2))
}

func TestMetricsNoGroundTruth(t *testing.T) {
	m, err := New(2)
	require.NoError(t, err)

	labels := labelGrid(t, [][]common.Label{{}, {}})
	preds := predictionGrid([][]prediction{
		{{box: topLeft, score: 0.9, class: 1}},
		{},
	}, 2)
	require.NoError(t, m.Update(preds, labels))

	summary, confusion := m.Compute()
	assert.Equal(t, -1.0, summary.MAP())
	assert.Equal(t, -1.0, summary[KeyMAR])
	assert.Equal(t, 8, confusion.Len())
	for _, occupied := range confusion.Occupied {
		assert.False(t, occupied)
	}
	assert.Equal(t, 0.0, m.ConfusionMatrix().At(0, 1))
}

func TestMetricsHalfCorrect(t *testing.T) {
	m, err := New(1)
	require.NoError(t, err)

	labels := labelGrid(t, [][]common.Label{{{Class: 0, Box: topLeft}, {Class: 0, Box: bottomRight}}})
	preds := predictionGrid([][]prediction{{
		{box: topLeft, score: 0.9, class: 0},
		{box: farOff, score: 0.8, class: 0},
	}}, 1)
	require.NoError(t, m.Update(preds, labels))

	summary, _ := m.Compute()
	// Precision is 1 up to recall 0.5 and 0 beyond: 51 of the 101 recall points.
	assert.InDelta(t, 51.0/101.0, summary.MAP(), 1e-9)
	assert.InDelta(t, 51.0/101.0, summary[KeyMAP50], 1e-9)
	assert.InDelta(t, 0.5, summary[KeyMAR], 1e-9)
	assert.InDelta(t, 0.5, summary[KeyMAR1], 1e-9)
	// Both cells predict class 0, so classification is perfect even though one box misses.
	assert.InDelta(t, 1, m.Accuracy(), 1e-9)
}

func TestMetricsMisclassified(t *testing.T) {
	m, err := New(2)
	require.NoError(t, err)

	labels := labelGrid(t, [][]common.Label{{{Class: 0, Box: topLeft}}})
	preds := predictionGrid([][]prediction{{{box: topLeft, score: 0.9, class: 1}}}, 2)
	require.NoError(t, m.Update(preds, labels))

	summary, _ := m.Compute()
	assert.Equal(t, 0.0, summary.MAP())
	assert.Equal(t, 0.0, summary[ClassMAPKey(0)])
	assert.Equal(t, -1.0, summary[ClassMAPKey(1)])
	assert.Equal(t, 1.0, m.ConfusionMatrix().At(0, 1))
	assert.Equal(t, 0.0, m.Accuracy())
}

func TestMetricsAccumulatesAcrossBatches(t *testing.T) {
	m, err := New(2)
	require.NoError(t, err)

	labels := labelGrid(t, [][]common.Label{{{Class: 0, Box: topLeft}}})
	preds := predictionGrid([][]prediction{{{box: topLeft, score: 0.9, class: 0}}}, 2)
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Update(preds, labels))
	}

	_, confusion := m.Compute()
	assert.Equal(t, 3*testSy*testSx, confusion.Len())
	assert.Equal(t, 3.0, m.ConfusionMatrix().At(0, 0))
}

func TestMetricsComputeIsIdempotent(t *testing.T) {
	m, err := New(2)
	require.NoError(t, err)

	labels := labelGrid(t, [][]common.Label{{{Class: 1, Box: bottomRight}}})
	preds := predictionGrid([][]prediction{{{box: bottomRight, score: 0.4, class: 1}}}, 2)
	require.NoError(t, m.Update(preds, labels))

	firstSummary, firstConfusion := m.Compute()
	secondSummary, secondConfusion := m.Compute()
	assert.Equal(t, firstSummary, secondSummary)
	assert.Equal(t, firstConfusion.Labels, secondConfusion.Labels)
	assert.Equal(t, firstConfusion.Probabilities.Float32s(), secondConfusion.Probabilities.Float32s())

	// Mutating a result does not leak into the aggregator.
	firstConfusion.Labels[0] = 99
	_, third := m.Compute()
	assert.NotEqual(t, 99, third.Labels[0])
}

func TestMetricsResetEqualsFresh(t *testing.T) {
	m, err := New(3)
	require.NoError(t, err)

	labels := labelGrid(t, [][]common.Label{{{Class: 2, Box: topLeft}}})
	preds := predictionGrid([][]prediction{{{box: topLeft, score: 0.9, class: 2}}}, 3)
	require.NoError(t, m.Update(preds, labels))
	_, _ = m.Compute()

	m.Reset()

	fresh, err := New(3)
	require.NoError(t, err)
	assert.Equal(t, fresh, m)

	summary, confusion := m.Compute()
	freshSummary, freshConfusion := fresh.Compute()
	assert.Equal(t, freshSummary, summary)
	assert.Equal(t, freshConfusion, confusion)
	assert.Nil(t, confusion.Probabilities)
	assert.Equal(t, 0, confusion.Len())
}

func TestMetricsUpdateErrorsLeaveStateUnchanged(t *testing.T) {
	m, err := New(3)
	require.NoError(t, err)

	labels := labelGrid(t, [][]common.Label{{{Class: 0, Box: topLeft}}})
	require.NoError(t, m.Update(predictionGrid([][]prediction{{{box: topLeft, score: 0.9}}}, 3), labels))

	tests := []struct {
		name    string
		preds   *tensor.Dense
		labels  *tensor.Dense
		wantErr error
	}{
		{
			name:    "wrong class count",
			preds:   predictionGrid([][]prediction{{{box: topLeft, score: 0.9}}}, 2),
			labels:  labels,
			wantErr: grid.ErrShape,
		},
		{
			name:    "label class out of range",
			preds:   predictionGrid([][]prediction{{{box: topLeft, score: 0.9}}}, 3),
			labels:  labelGrid(t, [][]common.Label{{{Class: 7, Box: topLeft}}}),
			wantErr: ErrClass,
		},
		{
			name:    "batch mismatch",
			preds:   predictionGrid([][]prediction{{}, {}}, 3),
			labels:  labels,
			wantErr: grid.ErrShape,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Update(tt.preds, tt.labels)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "expected %v, got %v", tt.wantErr, err)

			_, confusion := m.Compute()
			assert.Equal(t, testSy*testSx, confusion.Len())
			assert.Equal(t, 1, m.mAP.Len())
			assert.Equal(t, 1.0, m.confusion.Total())
		})
	}
}

func TestBatchMAP(t *testing.T) {
	labels := labelGrid(t, [][]common.Label{{{Class: 0, Box: topLeft}}})
	preds := predictionGrid([][]prediction{{{box: topLeft, score: 0.9, class: 0}}}, 1)

	summary, err := BatchMAP(preds, labels)
	require.NoError(t, err)
	assert.InDelta(t, 1, summary.MAP(), 1e-9)

	_, err = BatchMAP(preds, nil)
	assert.True(t, errors.Is(err, grid.ErrShape))
}

func TestNewRejectsNoClasses(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)
}
