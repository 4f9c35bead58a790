package grid

import (
	"math"

	"github.com/nvr-ai/go-yogo/common"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// CellOf returns the (row, column) of the grid cell containing a box center.
// Centers on the far edge (xc or yc equal to 1) fall in the last cell.
func CellOf(box common.Box, sy, sx int) (y, x int) {
	y = min(int(math.Floor(box.YC*float64(sy))), sy-1)
	x = min(int(math.Floor(box.XC*float64(sx))), sx-1)
	return max(y, 0), max(x, 0)
}

// EncodeLabels builds a label grid from per-image label lists.
//
// Each label is written to the cell containing its center as
// [1, xc, yc, w, h, class]. A cell holds one object, so when two labels
// share a cell the later one wins.
//
// Arguments:
// - batch: The labels of each image.
// - sy: Number of grid rows.
// - sx: Number of grid columns.
//
// Returns:
// - *tensor.Dense: Label grid [len(batch), 6, sy, sx].
// - error: ErrShape for a non-positive grid size or an empty batch.
//
// @example
// labels, err := EncodeLabels([][]common.Label{sample.Labels()}, 9, 12)
func EncodeLabels(batch [][]common.Label, sy, sx int) (*tensor.Dense, error) {
	if sy <= 0 || sx <= 0 {
		return nil, errors.Wrapf(ErrShape, "grid size must be positive, got %dx%d", sy, sx)
	}
	if len(batch) == 0 {
		return nil, errors.Wrap(ErrShape, "cannot encode an empty batch")
	}

	s := Shape{Batch: len(batch), Channels: LabelChannels, Sy: sy, Sx: sx}
	data := make([]float32, s.Batch*s.Channels*s.Cells())

	for b, labels := range batch {
		for _, l := range labels {
			y, x := CellOf(l.Box, sy, sx)
			data[s.index(b, LabelPresence, y, x)] = 1
			data[s.index(b, LabelXC, y, x)] = float32(l.XC)
			data[s.index(b, LabelYC, y, x)] = float32(l.YC)
			data[s.index(b, LabelW, y, x)] = float32(l.W)
			data[s.index(b, LabelH, y, x)] = float32(l.H)
			data[s.index(b, LabelClass, y, x)] = float32(l.Class)
		}
	}

	return tensor.New(tensor.WithShape(s.Batch, s.Channels, sy, sx), tensor.WithBacking(data)), nil
}
