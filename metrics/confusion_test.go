package metrics

import (
	"testing"

	"github.com/nvr-ai/go-yogo/grid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfusionMatrixUpdate(t *testing.T) {
	cm, err := NewConfusionMatrix(2)
	require.NoError(t, err)
	assert.Equal(t, 2, cm.NumClasses())
	assert.Equal(t, 0.0, cm.Accuracy())

	rows := &grid.ConfusionRows{
		Probabilities: []float32{
			0.9, 0.1, // actual 0, predicted 0
			0.2, 0.8, // actual 0, predicted 1
			0.3, 0.7, // actual 1, predicted 1
			0.6, 0.4, // unoccupied
		},
		NumClasses: 2,
		Labels:     []int{0, 0, 1, 5},
		Occupied:   []bool{true, true, true, false},
	}
	require.NoError(t, cm.Update(rows))

	counts := cm.Counts()
	assert.Equal(t, 1.0, counts.At(0, 0))
	assert.Equal(t, 1.0, counts.At(0, 1))
	assert.Equal(t, 1.0, counts.At(1, 1))
	assert.Equal(t, 0.0, counts.At(1, 0))
	assert.Equal(t, 3.0, cm.Total())
	assert.InDelta(t, 2.0/3.0, cm.Accuracy(), 1e-12)

	normalized := cm.Normalized()
	assert.InDelta(t, 0.5, normalized.At(0, 0), 1e-12)
	assert.InDelta(t, 1, normalized.At(1, 1), 1e-12)

	// Counts is a copy.
	counts.Set(0, 0, 100)
	assert.Equal(t, 1.0, cm.Counts().At(0, 0))

	cm.Reset()
	assert.Equal(t, 0.0, cm.Total())
}

func TestConfusionMatrixRejectsBadRows(t *testing.T) {
	cm, err := NewConfusionMatrix(2)
	require.NoError(t, err)

	err = cm.Update(&grid.ConfusionRows{
		Probabilities: []float32{0.5, 0.3, 0.2},
		NumClasses:    3,
		Labels:        []int{0},
		Occupied:      []bool{true},
	})
	assert.True(t, errors.Is(err, grid.ErrShape))

	err = cm.Update(&grid.ConfusionRows{
		Probabilities: []float32{0.5, 0.5, 0.5, 0.5},
		NumClasses:    2,
		Labels:        []int{0, -1},
		Occupied:      []bool{true, true},
	})
	assert.True(t, errors.Is(err, ErrClass))
	assert.Equal(t, 0.0, cm.Total())

	require.NoError(t, cm.Update(&grid.ConfusionRows{}))

	_, err = NewConfusionMatrix(0)
	assert.Error(t, err)
}

func TestMeanAveragePrecisionUpdateMismatch(t *testing.T) {
	m := NewMeanAveragePrecision()
	err := m.Update(make([]grid.PredictionRecord, 2), make([]grid.LabelRecord, 1))
	assert.Error(t, err)
	assert.Equal(t, 0, m.Len())
}

func TestMeanAveragePrecisionThresholds(t *testing.T) {
	m := NewMeanAveragePrecision()
	require.Len(t, m.IoUThresholds, 10)
	require.Len(t, m.RecallThresholds, 101)
	assert.InDelta(t, 0.5, m.IoUThresholds[0], 1e-12)
	assert.InDelta(t, 0.75, m.IoUThresholds[5], 1e-12)
	assert.InDelta(t, 0.95, m.IoUThresholds[9], 1e-12)
	assert.Equal(t, 2, m.detectionIndex(100))

	assert.Equal(t, []int{0}, m.thresholdIndex(0.5))
	assert.Equal(t, []int{5}, m.thresholdIndex(0.75))
	assert.Empty(t, m.thresholdIndex(0.52))
}
