package metrics

import (
	"github.com/nvr-ai/go-yogo/grid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// Confusion is the concatenated per-cell confusion data since the last reset.
type Confusion struct {
	// Probabilities is the [rows, classes] class probability matrix, nil when empty.
	Probabilities *tensor.Dense
	// Labels is the label class id of each row. Rows of unoccupied cells carry no
	// ground truth; check Occupied before using their label.
	Labels []int
	// Occupied reports whether each row's cell holds a ground truth object.
	Occupied []bool
}

// Len returns the number of rows.
func (c Confusion) Len() int {
	return len(c.Labels)
}

// Metrics accumulates mean average precision and confusion statistics across
// batches of prediction and label grids.
//
// State grows with every Update until Reset is called; Compute never resets
// it, so callers evaluating several epochs must Reset between them. Metrics
// is not safe for concurrent use.
type Metrics struct {
	numClasses int
	mAP        *MeanAveragePrecision
	rows       *grid.ConfusionRows
	confusion  *ConfusionMatrix
}

// New creates an empty aggregator for numClasses classes.
//
// @example
// m, err := metrics.New(len(ds.Classes))
// err = m.Update(outputs, batch.Labels)
// summary, confusion := m.Compute()
func New(numClasses int) (*Metrics, error) {
	confusion, err := NewConfusionMatrix(numClasses)
	if err != nil {
		return nil, err
	}
	return &Metrics{
		numClasses: numClasses,
		mAP:        NewMeanAveragePrecision(),
		rows:       &grid.ConfusionRows{NumClasses: numClasses},
		confusion:  confusion,
	}, nil
}

// NumClasses returns the number of classes the aggregator was created for.
func (m *Metrics) NumClasses() int {
	return m.numClasses
}

// Update decodes a batch and adds it to the running state.
//
// The batch is fully decoded and validated before anything is recorded, so an
// error leaves the state unchanged.
//
// Arguments:
// - preds: Prediction grid [batch, 5+classes, Sy, Sx]; it is not modified.
// - labels: Label grid [batch, 6, Sy, Sx].
//
// Returns:
// - error: grid.ErrShape for misaligned grids or a class count other than
// NumClasses, ErrClass for out-of-range label classes.
func (m *Metrics) Update(preds, labels *tensor.Dense) error {
	predRecords, labelRecords, err := grid.Decode(preds, labels)
	if err != nil {
		return err
	}
	rows, err := grid.ExtractConfusion(preds, labels)
	if err != nil {
		return err
	}
	if rows.NumClasses != m.numClasses {
		return errors.Wrapf(grid.ErrShape, "predictions have %d classes, metrics expect %d",
			rows.NumClasses, m.numClasses)
	}

	if err := m.confusion.Update(rows); err != nil {
		return err
	}
	if err := m.mAP.Update(predRecords, labelRecords); err != nil {
		return err
	}
	if err := m.rows.Append(rows); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"images": len(labelRecords),
		"rows":   rows.Len(),
	}).Debug("🎯 Metrics updated")

	return nil
}

// Compute returns the mAP summary and the confusion data accumulated so far.
//
// It does not modify the aggregator: calling it twice without an Update in
// between returns equal results. The returned values are copies.
func (m *Metrics) Compute() (Summary, Confusion) {
	rows := m.rows.Clone()
	return m.mAP.Compute(), Confusion{
		Probabilities: rows.Tensor(),
		Labels:        rows.Labels,
		Occupied:      rows.Occupied,
	}
}

// ConfusionMatrix returns a copy of the accumulated (actual, predicted) counts.
func (m *Metrics) ConfusionMatrix() *mat.Dense {
	return m.confusion.Counts()
}

// Accuracy returns the fraction of occupied cells classified correctly.
func (m *Metrics) Accuracy() float64 {
	return m.confusion.Accuracy()
}

// Reset clears the confusion rows, the mAP accumulator and the confusion counts.
func (m *Metrics) Reset() {
	m.mAP.Reset()
	m.rows = &grid.ConfusionRows{NumClasses: m.numClasses}
	m.confusion.Reset()
}

// BatchMAP scores a single batch without any accumulated state.
//
// Arguments:
// - preds: Prediction grid [batch, 5+classes, Sy, Sx].
// - labels: Label grid [batch, 6, Sy, Sx].
//
// Returns:
// - Summary: The mAP summary of this batch alone.
// - error: grid.ErrShape for misaligned grids.
func BatchMAP(preds, labels *tensor.Dense) (Summary, error) {
	predRecords, labelRecords, err := grid.Decode(preds, labels)
	if err != nil {
		return nil, err
	}
	m := NewMeanAveragePrecision()
	if err := m.Update(predRecords, labelRecords); err != nil {
		return nil, err
	}
	return m.Compute(), nil
}
