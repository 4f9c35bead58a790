// Package grid - Conversions between dense per-cell detection grids and per-image box lists.
//
// Grids are float32 tensors of shape [batch, channels, Sy, Sx]. Each cell
// carries at most one object.
//
// Label grid channels:
//
//	0: presence flag (1 when an object is assigned to the cell)
//	1-4: xc, yc, w, h
//	5: class id
//
// Prediction grid channels:
//
//	0-3: xc, yc, w, h
//	4: objectness score
//	5..: one logit per class
package grid

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Label grid channels.
const (
	LabelPresence = 0
	LabelXC       = 1
	LabelYC       = 2
	LabelW        = 3
	LabelH        = 4
	LabelClass    = 5
	// LabelChannels is the number of channels EncodeLabels writes.
	LabelChannels = 6
)

// Prediction grid channels.
const (
	PredXC         = 0
	PredYC         = 1
	PredW          = 2
	PredH          = 3
	PredObjectness = 4
	// PredClassOffset is the first class logit channel.
	PredClassOffset = 5
)

// ErrShape is returned when a grid does not match the channel layout contract.
var ErrShape = errors.New("grid shape error")

// Shape is the [batch, channels, Sy, Sx] shape of a grid.
type Shape struct {
	Batch, Channels, Sy, Sx int
}

// Cells returns the number of cells per image.
func (s Shape) Cells() int {
	return s.Sy * s.Sx
}

// index returns the flat row-major offset of (b, c, y, x).
func (s Shape) index(b, c, y, x int) int {
	return ((b*s.Channels+c)*s.Sy+y)*s.Sx + x
}

// ShapeOf validates that t is a 4-dimensional float32 grid and returns its shape.
func ShapeOf(t *tensor.Dense) (Shape, error) {
	if t == nil {
		return Shape{}, errors.Wrap(ErrShape, "grid is nil")
	}
	if t.Dtype() != tensor.Float32 {
		return Shape{}, errors.Wrapf(ErrShape, "grid dtype must be float32, got %v", t.Dtype())
	}
	dims := t.Shape()
	if len(dims) != 4 {
		return Shape{}, errors.Wrapf(ErrShape, "grid must be [batch, channels, Sy, Sx], got %v", dims)
	}
	return Shape{Batch: dims[0], Channels: dims[1], Sy: dims[2], Sx: dims[3]}, nil
}

// pairShapes validates a prediction/label grid pair against each other.
func pairShapes(preds, labels *tensor.Dense) (ps, ls Shape, err error) {
	if ps, err = ShapeOf(preds); err != nil {
		return ps, ls, errors.WithMessage(err, "predictions")
	}
	if ls, err = ShapeOf(labels); err != nil {
		return ps, ls, errors.WithMessage(err, "labels")
	}
	if ps.Batch != ls.Batch || ps.Sy != ls.Sy || ps.Sx != ls.Sx {
		return ps, ls, errors.Wrapf(ErrShape,
			"prediction grid [%d,_,%d,%d] and label grid [%d,_,%d,%d] are not aligned",
			ps.Batch, ps.Sy, ps.Sx, ls.Batch, ls.Sy, ls.Sx)
	}
	if ps.Channels <= PredClassOffset {
		return ps, ls, errors.Wrapf(ErrShape,
			"prediction grid needs at least %d channels, got %d", PredClassOffset+1, ps.Channels)
	}
	if ls.Channels < LabelChannels {
		return ps, ls, errors.Wrapf(ErrShape,
			"label grid needs at least %d channels, got %d", LabelChannels, ls.Channels)
	}
	return ps, ls, nil
}

// values returns the row-major float32 backing of t, materializing views first.
func values(t *tensor.Dense) []float32 {
	if t.IsView() {
		if m, ok := t.Materialize().(*tensor.Dense); ok {
			t = m
		}
	}
	return t.Float32s()
}
