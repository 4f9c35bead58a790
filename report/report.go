// Package report - Confusion tables and heatmaps for evaluation runs.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Row is one (actual, predicted) cell of a confusion matrix.
type Row struct {
	Actual       string `json:"actual"`
	Predicted    string `json:"predicted"`
	NPredictions int    `json:"n_predictions"`
}

// ConfusionTable flattens a confusion matrix into one row per (actual, predicted) pair.
//
// Arguments:
// - counts: Square matrix, rows are the actual class and columns the predicted class.
// - classNames: Name of every class, indexed by class id.
//
// Returns:
// - []Row: Rows ordered by actual, then predicted class.
// - error: An error if counts is not square or does not match classNames.
//
// @example
// rows, err := ConfusionTable(m.ConfusionMatrix(), ds.Classes)
func ConfusionTable(counts mat.Matrix, classNames []string) ([]Row, error) {
	n, err := checkDims(counts, classNames)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, n*n)
	for actual := 0; actual < n; actual++ {
		for predicted := 0; predicted < n; predicted++ {
			rows = append(rows, Row{
				Actual:       classNames[actual],
				Predicted:    classNames[predicted],
				NPredictions: int(counts.At(actual, predicted)),
			})
		}
	}
	return rows, nil
}

// WriteCSV writes rows as CSV with an Actual,Predicted,nPredictions header.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Actual", "Predicted", "nPredictions"}); err != nil {
		return errors.Wrap(err, "failed to write confusion table header")
	}
	for _, r := range rows {
		if err := cw.Write([]string{r.Actual, r.Predicted, strconv.Itoa(r.NPredictions)}); err != nil {
			return errors.Wrap(err, "failed to write confusion table row")
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "failed to flush confusion table")
}

// confusionGrid adapts a confusion matrix to plotter.GridXYZ.
// Columns are the predicted class; rows are flipped so class 0 is drawn at the top.
type confusionGrid struct {
	counts mat.Matrix
	n      int
}

func (g confusionGrid) Dims() (c, r int)   { return g.n, g.n }
func (g confusionGrid) Z(c, r int) float64 { return g.counts.At(g.n-1-r, c) }
func (g confusionGrid) X(c int) float64    { return float64(c) }
func (g confusionGrid) Y(r int) float64    { return float64(r) }

// SaveConfusionHeatmap renders a confusion matrix as a heatmap image with a count in every cell.
//
// The output format follows the extension of path (png, svg, pdf, jpg, ...).
//
// Arguments:
// - counts: Square matrix, rows are the actual class and columns the predicted class.
// - classNames: Name of every class, indexed by class id.
// - title: Plot title.
// - path: Output file.
//
// Returns:
// - error: An error if the dimensions do not match or the image cannot be written.
func SaveConfusionHeatmap(counts mat.Matrix, classNames []string, title, path string) error {
	n, err := checkDims(counts, classNames)
	if err != nil {
		return err
	}

	g := confusionGrid{counts: counts, n: n}
	heat := plotter.NewHeatMap(g, palette.Heat(12, 1))
	heat.Min = 0
	heat.Max = max(mat.Max(counts), 1)

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Predicted"
	p.Y.Label.Text = "Actual"
	p.Add(heat)

	xTicks := make([]plot.Tick, n)
	yTicks := make([]plot.Tick, n)
	cells := plotter.XYLabels{XYs: make(plotter.XYs, 0, n*n), Labels: make([]string, 0, n*n)}
	for i := 0; i < n; i++ {
		xTicks[i] = plot.Tick{Value: float64(i), Label: classNames[i]}
		yTicks[i] = plot.Tick{Value: float64(n - 1 - i), Label: classNames[i]}
		for j := 0; j < n; j++ {
			cells.XYs = append(cells.XYs, plotter.XY{X: float64(j), Y: float64(n - 1 - i)})
			cells.Labels = append(cells.Labels, fmt.Sprintf("%d", int(counts.At(i, j))))
		}
	}
	p.X.Tick.Marker = plot.ConstantTicks(xTicks)
	p.Y.Tick.Marker = plot.ConstantTicks(yTicks)

	labels, err := plotter.NewLabels(cells)
	if err != nil {
		return errors.Wrap(err, "failed to create heatmap cell labels")
	}
	p.Add(labels)

	size := vg.Length(max(n, 4)) * vg.Inch
	if err := p.Save(size, size, path); err != nil {
		return errors.Wrapf(err, "failed to save confusion heatmap to %s", path)
	}
	return nil
}

func checkDims(counts mat.Matrix, classNames []string) (int, error) {
	r, c := counts.Dims()
	if r != c {
		return 0, errors.Errorf("confusion matrix must be square, got %dx%d", r, c)
	}
	if r != len(classNames) {
		return 0, errors.Errorf("confusion matrix has %d classes but %d class names were given", r, len(classNames))
	}
	return r, nil
}
