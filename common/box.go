// Package common - Box and label types shared by the dataset, grid and metrics packages.
package common

import (
	"fmt"
	"image"
	"math"
)

// Box is an axis-aligned box in normalized center/size form (cxcywh).
type Box struct {
	XC, YC, W, H float64
}

// Corners returns the normalized corner coordinates of the box.
//
// Returns:
// - x0, y0: The top-left corner.
// - x1, y1: The bottom-right corner.
//
// @example
// box := Box{XC: 0.5, YC: 0.5, W: 0.2, H: 0.2}
// x0, y0, x1, y1 := box.Corners() // 0.4, 0.4, 0.6, 0.6
func (b Box) Corners() (x0, y0, x1, y1 float64) {
	return b.XC - b.W/2, b.YC - b.H/2, b.XC + b.W/2, b.YC + b.H/2
}

// Area returns the normalized area of the box. Degenerate boxes have zero area.
func (b Box) Area() float64 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// IoU calculates the Intersection over Union between two boxes.
//
// The calculation follows the inclusion-exclusion principle: the intersection
// rectangle is bounded by the larger of the top-left corners and the smaller
// of the bottom-right corners, and the union is the sum of both areas minus
// the intersection.
//
// Arguments:
// - other: The other box to compare against.
//
// Returns:
// - The IoU value between 0 and 1. Boxes that do not overlap, or whose union
// is empty, return 0.
//
// @example
// a := Box{XC: 0.5, YC: 0.5, W: 0.2, H: 0.2}
// b := Box{XC: 0.6, YC: 0.6, W: 0.2, H: 0.2}
// iou := a.IoU(b) // ~0.143 (0.01/0.07)
func (b Box) IoU(other Box) float64 {
	ax0, ay0, ax1, ay1 := b.Corners()
	bx0, by0, bx1, by1 := other.Corners()

	interW := math.Min(ax1, bx1) - math.Max(ax0, bx0)
	interH := math.Min(ay1, by1) - math.Max(ay0, by0)
	if interW <= 0 || interH <= 0 {
		return 0
	}
	inter := interW * interH

	union := b.Area() + other.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// ToRect converts the box to absolute pixel corners for an image of the given size.
//
// Each corner is truncated toward zero, so x0 = int(width*(xc-w/2)) and so on.
// The rectangle is not clipped; callers drawing it rely on the destination bounds.
//
// Arguments:
// - width: The image width in pixels.
// - height: The image height in pixels.
//
// Returns:
// - An image.Rectangle whose Min and Max are the inclusive pixel corners.
//
// @example
// box := Box{XC: 0.5, YC: 0.5, W: 0.2, H: 0.2}
// rect := box.ToRect(100, 100) // (40,40)-(60,60)
func (b Box) ToRect(width, height int) image.Rectangle {
	x0, y0, x1, y1 := b.Corners()
	return image.Rectangle{
		Min: image.Pt(int(float64(width)*x0), int(float64(height)*y0)),
		Max: image.Pt(int(float64(width)*x1), int(float64(height)*y1)),
	}
}

func (b Box) String() string {
	return fmt.Sprintf("(xc=%.4f, yc=%.4f, w=%.4f, h=%.4f)", b.XC, b.YC, b.W, b.H)
}

// Label is one row of a per-image label file: a class and a normalized box.
//
// The class is kept as a float because that is how label files and label
// grids carry it; use ClassID for the categorical value.
type Label struct {
	Class float64 `json:"class" yaml:"class"`
	Box
}

// ClassID returns the class rounded to the nearest integer id.
func (l Label) ClassID() int {
	return int(math.Round(l.Class))
}

// Valid reports whether all box coordinates lie in [0, 1].
func (l Label) Valid() bool {
	for _, v := range []float64{l.XC, l.YC, l.W, l.H} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return false
		}
	}
	return true
}

func (l Label) String() string {
	return fmt.Sprintf("class %d %s", l.ClassID(), l.Box)
}
