package grid

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ConfusionRows holds one (class probabilities, label class) row per grid cell.
//
// Rows are ordered by image, then row-major cell (b*Sy*Sx + y*Sx + x), for
// every cell whether occupied or not. Label ids of unoccupied cells are
// whatever the label grid carries there; consumers must treat them as
// background using Occupied.
type ConfusionRows struct {
	// Probabilities is the row-major [rows, NumClasses] probability matrix.
	Probabilities []float32
	// NumClasses is the width of each probability row.
	NumClasses int
	// Labels is the label class id of each row.
	Labels []int
	// Occupied reports whether the row's cell holds a ground truth object.
	Occupied []bool
}

// Len returns the number of rows.
func (r *ConfusionRows) Len() int {
	return len(r.Labels)
}

// Row returns the probability vector of row i. The slice aliases the rows' storage.
func (r *ConfusionRows) Row(i int) []float32 {
	return r.Probabilities[i*r.NumClasses : (i+1)*r.NumClasses]
}

// Predicted returns the most probable class of row i; ties go to the lowest index.
func (r *ConfusionRows) Predicted(i int) int {
	best, bestV := 0, math32.Inf(-1)
	for c, v := range r.Row(i) {
		if v > bestV {
			best, bestV = c, v
		}
	}
	return best
}

// Tensor returns the probabilities as a new [rows, NumClasses] tensor, or nil when there are no rows.
func (r *ConfusionRows) Tensor() *tensor.Dense {
	if r.Len() == 0 {
		return nil
	}
	backing := append([]float32(nil), r.Probabilities...)
	return tensor.New(tensor.WithShape(r.Len(), r.NumClasses), tensor.WithBacking(backing))
}

// Append adds the rows of other to r. Both must have the same number of classes,
// unless r is still empty.
func (r *ConfusionRows) Append(other *ConfusionRows) error {
	if r.Len() > 0 && other.Len() > 0 && r.NumClasses != other.NumClasses {
		return errors.Wrapf(ErrShape, "cannot append rows with %d classes to rows with %d classes",
			other.NumClasses, r.NumClasses)
	}
	if r.Len() == 0 {
		r.NumClasses = other.NumClasses
	}
	r.Probabilities = append(r.Probabilities, other.Probabilities...)
	r.Labels = append(r.Labels, other.Labels...)
	r.Occupied = append(r.Occupied, other.Occupied...)
	return nil
}

// Clone returns a deep copy of the rows.
func (r *ConfusionRows) Clone() *ConfusionRows {
	return &ConfusionRows{
		Probabilities: append([]float32(nil), r.Probabilities...),
		NumClasses:    r.NumClasses,
		Labels:        append([]int(nil), r.Labels...),
		Occupied:      append([]bool(nil), r.Occupied...),
	}
}

// ClassProbabilities applies a softmax over the class logit channels of every cell.
//
// The input grid is not modified; the result is a new [batch, classes, Sy, Sx]
// tensor.
//
// Arguments:
// - preds: Prediction grid [batch, 5+classes, Sy, Sx].
//
// Returns:
// - *tensor.Dense: Class probabilities per cell; each cell's vector sums to 1.
// - error: ErrShape if preds is not a prediction grid.
func ClassProbabilities(preds *tensor.Dense) (*tensor.Dense, error) {
	ps, err := ShapeOf(preds)
	if err != nil {
		return nil, errors.WithMessage(err, "predictions")
	}
	if ps.Channels <= PredClassOffset {
		return nil, errors.Wrapf(ErrShape,
			"prediction grid needs at least %d channels, got %d", PredClassOffset+1, ps.Channels)
	}

	pv := values(preds)
	numClasses := ps.Channels - PredClassOffset
	out := Shape{Batch: ps.Batch, Channels: numClasses, Sy: ps.Sy, Sx: ps.Sx}
	probs := make([]float32, ps.Batch*numClasses*ps.Cells())

	for b := 0; b < ps.Batch; b++ {
		for y := 0; y < ps.Sy; y++ {
			for x := 0; x < ps.Sx; x++ {
				maxLogit := math32.Inf(-1)
				for c := 0; c < numClasses; c++ {
					maxLogit = math32.Max(maxLogit, pv[ps.index(b, PredClassOffset+c, y, x)])
				}

				var sum float32
				for c := 0; c < numClasses; c++ {
					e := math32.Exp(pv[ps.index(b, PredClassOffset+c, y, x)] - maxLogit)
					probs[out.index(b, c, y, x)] = e
					sum += e
				}
				for c := 0; c < numClasses; c++ {
					probs[out.index(b, c, y, x)] /= sum
				}
			}
		}
	}

	return tensor.New(tensor.WithShape(ps.Batch, numClasses, ps.Sy, ps.Sx), tensor.WithBacking(probs)), nil
}

// ExtractConfusion flattens a batch into one confusion row per grid cell.
//
// Every cell of every image produces a row, so the result always has
// batch*Sy*Sx rows regardless of how many cells are occupied. The prediction
// grid is left untouched.
//
// Arguments:
// - preds: Prediction grid [batch, 5+classes, Sy, Sx].
// - labels: Label grid [batch, 6+, Sy, Sx].
//
// Returns:
// - *ConfusionRows: Softmax class probabilities, label class ids and the presence mask.
// - error: ErrShape if the grids do not follow the channel layout or are not aligned.
//
// @example
// rows, err := ExtractConfusion(outputs, labels)
// fmt.Println(rows.Len()) // batch*Sy*Sx
func ExtractConfusion(preds, labels *tensor.Dense) (*ConfusionRows, error) {
	ps, ls, err := pairShapes(preds, labels)
	if err != nil {
		return nil, err
	}

	probs, err := ClassProbabilities(preds)
	if err != nil {
		return nil, err
	}
	pv, lv := values(probs), values(labels)
	numClasses := ps.Channels - PredClassOffset
	cs := Shape{Batch: ps.Batch, Channels: numClasses, Sy: ps.Sy, Sx: ps.Sx}

	n := ps.Batch * ps.Cells()
	rows := &ConfusionRows{
		Probabilities: make([]float32, n*numClasses),
		NumClasses:    numClasses,
		Labels:        make([]int, n),
		Occupied:      make([]bool, n),
	}

	for b := 0; b < ps.Batch; b++ {
		for y := 0; y < ps.Sy; y++ {
			for x := 0; x < ps.Sx; x++ {
				row := b*ps.Cells() + y*ps.Sx + x
				for c := 0; c < numClasses; c++ {
					rows.Probabilities[row*numClasses+c] = pv[cs.index(b, c, y, x)]
				}
				rows.Labels[row] = truncClass(lv[ls.index(b, LabelClass, y, x)])
				rows.Occupied[row] = lv[ls.index(b, LabelPresence, y, x)] == 1
			}
		}
	}

	return rows, nil
}
