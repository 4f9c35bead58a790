package grid

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-yogo/common"
	"gorgonia.org/tensor"
)

// LabelRecord holds the ground truth boxes of one image.
type LabelRecord struct {
	Boxes  []common.Box
	Labels []int
}

// Len returns the number of ground truth objects.
func (r LabelRecord) Len() int {
	return len(r.Boxes)
}

// PredictionRecord holds the scored predictions of one image.
type PredictionRecord struct {
	Boxes  []common.Box
	Scores []float64
	Labels []int
}

// Len returns the number of predictions.
func (r PredictionRecord) Len() int {
	return len(r.Boxes)
}

// Decode converts a batch of prediction and label grids into per-image box lists.
//
// Only occupied cells (label presence flag equal to 1) are decoded, for both
// the labels and the predictions; predictions in unoccupied cells are never
// scored. Each cell holds at most one object, so this is not a matching or
// suppression step. Cells are visited in row-major order (y*Sx + x), and the
// i-th prediction of an image always comes from the same cell as its i-th label.
//
// Arguments:
// - preds: Prediction grid [batch, 5+classes, Sy, Sx].
// - labels: Label grid [batch, 6+, Sy, Sx].
//
// Returns:
// - []PredictionRecord: One record per image, boxes in cxcywh, class = argmax of the logits.
// - []LabelRecord: One record per image, class = rounded class channel.
// - error: ErrShape if the grids do not follow the channel layout or are not aligned.
//
// @example
// predRecords, labelRecords, err := Decode(outputs, labels)
// fmt.Println(labelRecords[0].Len()) // number of occupied cells in image 0
func Decode(preds, labels *tensor.Dense) ([]PredictionRecord, []LabelRecord, error) {
	ps, ls, err := pairShapes(preds, labels)
	if err != nil {
		return nil, nil, err
	}
	pv, lv := values(preds), values(labels)
	numClasses := ps.Channels - PredClassOffset

	predRecords := make([]PredictionRecord, ps.Batch)
	labelRecords := make([]LabelRecord, ls.Batch)

	for b := 0; b < ls.Batch; b++ {
		pr := PredictionRecord{
			Boxes:  []common.Box{},
			Scores: []float64{},
			Labels: []int{},
		}
		lr := LabelRecord{
			Boxes:  []common.Box{},
			Labels: []int{},
		}

		for y := 0; y < ls.Sy; y++ {
			for x := 0; x < ls.Sx; x++ {
				if lv[ls.index(b, LabelPresence, y, x)] != 1 {
					continue
				}

				lr.Boxes = append(lr.Boxes, common.Box{
					XC: float64(lv[ls.index(b, LabelXC, y, x)]),
					YC: float64(lv[ls.index(b, LabelYC, y, x)]),
					W:  float64(lv[ls.index(b, LabelW, y, x)]),
					H:  float64(lv[ls.index(b, LabelH, y, x)]),
				})
				lr.Labels = append(lr.Labels, roundClass(lv[ls.index(b, LabelClass, y, x)]))

				pr.Boxes = append(pr.Boxes, common.Box{
					XC: float64(pv[ps.index(b, PredXC, y, x)]),
					YC: float64(pv[ps.index(b, PredYC, y, x)]),
					W:  float64(pv[ps.index(b, PredW, y, x)]),
					H:  float64(pv[ps.index(b, PredH, y, x)]),
				})
				pr.Scores = append(pr.Scores, float64(pv[ps.index(b, PredObjectness, y, x)]))
				pr.Labels = append(pr.Labels, argmaxClass(pv, ps, b, y, x, numClasses))
			}
		}

		predRecords[b] = pr
		labelRecords[b] = lr
	}

	return predRecords, labelRecords, nil
}

// argmaxClass returns the class with the largest logit in a cell; ties go to the lowest index.
func argmaxClass(pv []float32, s Shape, b, y, x, numClasses int) int {
	best := 0
	bestV := math32.Inf(-1)
	for c := 0; c < numClasses; c++ {
		if v := pv[s.index(b, PredClassOffset+c, y, x)]; v > bestV {
			best, bestV = c, v
		}
	}
	return best
}

// roundClass recovers an integer class id from its float encoding.
func roundClass(v float32) int {
	return int(math32.Floor(v + 0.5))
}

// truncClass converts a float class id toward zero, the way confusion labels are cast.
func truncClass(v float32) int {
	return int(v)
}
