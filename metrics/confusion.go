package metrics

import (
	"github.com/nvr-ai/go-yogo/grid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrClass is returned when a label class id is outside [0, numClasses).
var ErrClass = errors.New("class id out of range")

// ConfusionMatrix counts (actual, predicted) class pairs of occupied grid cells.
//
// Rows are the actual (label) class and columns the predicted class, the
// argmax of the cell's class probabilities. Unoccupied cells are background
// and are not counted.
type ConfusionMatrix struct {
	counts *mat.Dense
}

// NewConfusionMatrix creates an empty numClasses x numClasses matrix.
func NewConfusionMatrix(numClasses int) (*ConfusionMatrix, error) {
	if numClasses <= 0 {
		return nil, errors.Errorf("number of classes must be positive, got %d", numClasses)
	}
	return &ConfusionMatrix{counts: mat.NewDense(numClasses, numClasses, nil)}, nil
}

// NumClasses returns the number of classes.
func (m *ConfusionMatrix) NumClasses() int {
	n, _ := m.counts.Dims()
	return n
}

// Update counts the occupied rows. Rows are validated first, so a failed update changes nothing.
//
// Arguments:
// - rows: Confusion rows from grid.ExtractConfusion.
//
// Returns:
// - error: grid.ErrShape if the rows have a different number of classes,
// ErrClass if an occupied row's label is out of range.
func (m *ConfusionMatrix) Update(rows *grid.ConfusionRows) error {
	if err := m.validate(rows); err != nil {
		return err
	}
	for i := 0; i < rows.Len(); i++ {
		if !rows.Occupied[i] {
			continue
		}
		actual, predicted := rows.Labels[i], rows.Predicted(i)
		m.counts.Set(actual, predicted, m.counts.At(actual, predicted)+1)
	}
	return nil
}

func (m *ConfusionMatrix) validate(rows *grid.ConfusionRows) error {
	if rows.Len() == 0 {
		return nil
	}
	n := m.NumClasses()
	if rows.NumClasses != n {
		return errors.Wrapf(grid.ErrShape, "rows have %d classes, matrix has %d", rows.NumClasses, n)
	}
	for i := 0; i < rows.Len(); i++ {
		if rows.Occupied[i] && (rows.Labels[i] < 0 || rows.Labels[i] >= n) {
			return errors.Wrapf(ErrClass, "row %d has label %d, expected [0, %d)", i, rows.Labels[i], n)
		}
	}
	return nil
}

// Counts returns a copy of the count matrix.
func (m *ConfusionMatrix) Counts() *mat.Dense {
	return mat.DenseCopyOf(m.counts)
}

// Total returns the number of counted cells.
func (m *ConfusionMatrix) Total() float64 {
	return mat.Sum(m.counts)
}

// Accuracy returns the fraction of counted cells whose predicted class is the actual class,
// or 0 when nothing was counted.
func (m *ConfusionMatrix) Accuracy() float64 {
	total := m.Total()
	if total == 0 {
		return 0
	}
	return mat.Trace(m.counts) / total
}

// Normalized returns the counts with every row scaled to sum to 1.
// Rows of classes that never occurred stay zero.
func (m *ConfusionMatrix) Normalized() *mat.Dense {
	out := mat.DenseCopyOf(m.counts)
	n := m.NumClasses()
	for i := 0; i < n; i++ {
		row := out.RawRowView(i)
		if sum := floats.Sum(row); sum > 0 {
			floats.Scale(1/sum, row)
		}
	}
	return out
}

// Reset zeroes every count.
func (m *ConfusionMatrix) Reset() {
	m.counts.Zero()
}
