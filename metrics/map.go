// Package metrics - Mean average precision and confusion statistics over decoded grid batches.
package metrics

import (
	"fmt"
	"sort"

	"github.com/nvr-ai/go-yogo/grid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"
)

// Summary keys produced by MeanAveragePrecision.Compute.
const (
	KeyMAP   = "map"
	KeyMAP50 = "map_50"
	KeyMAP75 = "map_75"
	KeyMAR1  = "mar_1"
	KeyMAR10 = "mar_10"
	KeyMAR   = "mar_100"
)

// ClassMAPKey returns the summary key of the per-class mean average precision.
func ClassMAPKey(class int) string {
	return fmt.Sprintf("map_class_%d", class)
}

// ClassMARKey returns the summary key of the per-class mean average recall.
func ClassMARKey(class int) string {
	return fmt.Sprintf("mar_100_class_%d", class)
}

// Summary maps metric names to values. A value of -1 means the metric is undefined,
// e.g. there was no ground truth to score against.
type Summary map[string]float64

// MAP returns the mean average precision, or -1 when it is undefined.
func (s Summary) MAP() float64 {
	if v, ok := s[KeyMAP]; ok {
		return v
	}
	return -1
}

// MeanAveragePrecision accumulates per-image prediction and label records and
// scores them the way the COCO evaluation does: per class, per IoU threshold,
// predictions are greedily matched to the best unmatched ground truth box in
// decreasing score order, and precision is sampled at fixed recall points.
//
// It is not safe for concurrent use.
type MeanAveragePrecision struct {
	// IoUThresholds are the match thresholds averaged over; 0.50 to 0.95 in steps of 0.05.
	IoUThresholds []float64
	// RecallThresholds are the recall points precision is sampled at; 0 to 1 in steps of 0.01.
	RecallThresholds []float64
	// MaxDetections are the per-image, per-class detection limits recall is reported for.
	// Precision uses the last (largest) limit.
	MaxDetections []int

	preds  []grid.PredictionRecord
	labels []grid.LabelRecord
}

// NewMeanAveragePrecision creates an accumulator with the COCO thresholds.
func NewMeanAveragePrecision() *MeanAveragePrecision {
	iou := make([]float64, 10)
	floats.Span(iou, 0.5, 0.95)
	recall := make([]float64, 101)
	floats.Span(recall, 0, 1)

	return &MeanAveragePrecision{
		IoUThresholds:    iou,
		RecallThresholds: recall,
		MaxDetections:    []int{1, 10, 100},
	}
}

// Update appends the records of one batch. preds[i] and labels[i] must describe the same image.
func (m *MeanAveragePrecision) Update(preds []grid.PredictionRecord, labels []grid.LabelRecord) error {
	if len(preds) != len(labels) {
		return errors.Errorf("got %d prediction records for %d label records", len(preds), len(labels))
	}
	m.preds = append(m.preds, preds...)
	m.labels = append(m.labels, labels...)
	return nil
}

// Len returns the number of images accumulated.
func (m *MeanAveragePrecision) Len() int {
	return len(m.labels)
}

// Reset drops every accumulated record.
func (m *MeanAveragePrecision) Reset() {
	m.preds = nil
	m.labels = nil
}

// detection is one prediction of a class in one image.
type detection struct {
	image int
	index int
	score float64
}

// classEval is the evaluation of one class at one IoU threshold.
type classEval struct {
	// precision sampled at each recall threshold, or nil when the class has no ground truth.
	precision []float64
	// recall per max-detection limit.
	recall []float64
}

// Compute scores everything accumulated so far. It does not modify the accumulator.
//
// Returns:
// - Summary: map, map_50, map_75, mar_1, mar_10, mar_100 and the per-class
// map_class_<id> and mar_100_class_<id>. Every value is -1 when no class has
// ground truth.
//
// @example
// m := NewMeanAveragePrecision()
// _ = m.Update(predRecords, labelRecords)
// fmt.Println(m.Compute().MAP())
func (m *MeanAveragePrecision) Compute() Summary {
	classes := m.classes()

	// evals[c][t]
	evals := make([][]classEval, len(classes))
	for ci, class := range classes {
		evals[ci] = make([]classEval, len(m.IoUThresholds))
		for ti, thr := range m.IoUThresholds {
			evals[ci][ti] = m.evaluate(class, thr)
		}
	}

	last := len(m.MaxDetections) - 1
	summary := Summary{
		KeyMAP:   meanPrecision(evals, nil),
		KeyMAP50: meanPrecision(evals, m.thresholdIndex(0.5)),
		KeyMAP75: meanPrecision(evals, m.thresholdIndex(0.75)),
		KeyMAR1:  meanRecall(evals, m.detectionIndex(1)),
		KeyMAR10: meanRecall(evals, m.detectionIndex(10)),
		KeyMAR:   meanRecall(evals, last),
	}
	for ci, class := range classes {
		summary[ClassMAPKey(class)] = meanPrecision(evals[ci:ci+1], nil)
		summary[ClassMARKey(class)] = meanRecall(evals[ci:ci+1], last)
	}
	return summary
}

// classes returns every class id seen in predictions or labels, sorted.
func (m *MeanAveragePrecision) classes() []int {
	seen := map[int]struct{}{}
	for i := range m.labels {
		for _, c := range m.labels[i].Labels {
			seen[c] = struct{}{}
		}
		for _, c := range m.preds[i].Labels {
			seen[c] = struct{}{}
		}
	}
	classes := make([]int, 0, len(seen))
	for c := range seen {
		classes = append(classes, c)
	}
	sort.Ints(classes)
	return classes
}

// evaluate matches the detections of one class at one IoU threshold.
func (m *MeanAveragePrecision) evaluate(class int, iouThreshold float64) classEval {
	eval := classEval{recall: make([]float64, len(m.MaxDetections))}

	numGT := 0
	for _, l := range m.labels {
		for _, c := range l.Labels {
			if c == class {
				numGT++
			}
		}
	}
	if numGT == 0 {
		return eval
	}

	for di, maxDets := range m.MaxDetections {
		tp, fp := m.match(class, iouThreshold, maxDets)

		nd := len(tp)
		if nd == 0 {
			eval.recall[di] = 0
			if di == len(m.MaxDetections)-1 {
				eval.precision = make([]float64, len(m.RecallThresholds))
			}
			continue
		}

		tpSum := make([]float64, nd)
		fpSum := make([]float64, nd)
		floats.CumSum(tpSum, tp)
		floats.CumSum(fpSum, fp)

		eval.recall[di] = tpSum[nd-1] / float64(numGT)
		if di != len(m.MaxDetections)-1 {
			continue
		}

		recall := make([]float64, nd)
		precision := make([]float64, nd)
		for i := range tpSum {
			recall[i] = tpSum[i] / float64(numGT)
			precision[i] = tpSum[i] / (tpSum[i] + fpSum[i])
		}
		// Make precision monotonically non-increasing in recall.
		for i := nd - 1; i > 0; i-- {
			if precision[i] > precision[i-1] {
				precision[i-1] = precision[i]
			}
		}

		eval.precision = make([]float64, len(m.RecallThresholds))
		for ri, rt := range m.RecallThresholds {
			if pi := sort.SearchFloat64s(recall, rt); pi < nd {
				eval.precision[ri] = precision[pi]
			}
		}
	}

	return eval
}

// match returns the true and false positive flags of the class's detections,
// ordered by decreasing score over all images.
func (m *MeanAveragePrecision) match(class int, iouThreshold float64, maxDets int) (tp, fp []float64) {
	var dets []detection
	matched := map[detection]bool{}

	for img := range m.preds {
		var imgDets []detection
		for i, c := range m.preds[img].Labels {
			if c == class {
				imgDets = append(imgDets, detection{image: img, index: i, score: m.preds[img].Scores[i]})
			}
		}
		sort.SliceStable(imgDets, func(a, b int) bool { return imgDets[a].score > imgDets[b].score })
		if len(imgDets) > maxDets {
			imgDets = imgDets[:maxDets]
		}

		label := m.labels[img]
		used := make([]bool, label.Len())
		for _, d := range imgDets {
			box := m.preds[img].Boxes[d.index]
			best, bestIoU := -1, min(iouThreshold, 1-1e-10)
			for g, gtBox := range label.Boxes {
				if label.Labels[g] != class || used[g] {
					continue
				}
				if iou := box.IoU(gtBox); iou >= bestIoU {
					best, bestIoU = g, iou
				}
			}
			if best >= 0 {
				used[best] = true
				matched[d] = true
			}
		}
		dets = append(dets, imgDets...)
	}

	sort.SliceStable(dets, func(a, b int) bool { return dets[a].score > dets[b].score })

	tp = make([]float64, len(dets))
	fp = make([]float64, len(dets))
	for i, d := range dets {
		if matched[d] {
			tp[i] = 1
		} else {
			fp[i] = 1
		}
	}
	return tp, fp
}

func (m *MeanAveragePrecision) thresholdIndex(thr float64) []int {
	for i, t := range m.IoUThresholds {
		if scalar.EqualWithinAbs(t, thr, 1e-9) {
			return []int{i}
		}
	}
	return []int{}
}

func (m *MeanAveragePrecision) detectionIndex(maxDets int) int {
	for i, d := range m.MaxDetections {
		if d == maxDets {
			return i
		}
	}
	return -1
}

// meanPrecision averages the sampled precision over the given IoU threshold
// indices (all when nil), skipping classes with no ground truth.
func meanPrecision(evals [][]classEval, thresholds []int) float64 {
	var values []float64
	for _, perThreshold := range evals {
		for ti, e := range perThreshold {
			if thresholds != nil && !containsInt(thresholds, ti) {
				continue
			}
			values = append(values, e.precision...)
		}
	}
	return mean(values)
}

// meanRecall averages recall at one max-detection limit over every threshold,
// skipping classes with no ground truth.
func meanRecall(evals [][]classEval, detIndex int) float64 {
	if detIndex < 0 {
		return -1
	}
	var values []float64
	for _, perThreshold := range evals {
		for _, e := range perThreshold {
			if e.precision != nil {
				values = append(values, e.recall[detIndex])
			}
		}
	}
	return mean(values)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return -1
	}
	return floats.Sum(values) / float64(len(values))
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
