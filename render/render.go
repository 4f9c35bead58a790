// Package render - Draws label and prediction boxes onto grayscale images for inspection.
package render

import (
	"image"
	"image/color"

	"github.com/chewxy/math32"
	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/nvr-ai/go-yogo/common"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"gorgonia.org/tensor"
)

// ErrShape is returned when an image or grid does not have the expected rank or dtype.
var ErrShape = errors.New("render shape error")

// Red is the default outline color.
var Red = color.NRGBA{R: 255, A: 255}

// Prediction grid channels read by GridSource.
const (
	gridScore       = 4
	gridClassOffset = 5
)

// BoxSource supplies the boxes DrawRects draws.
//
// It is implemented only by GridSource and BoxListSource.
type BoxSource interface {
	rects() ([]rect, error)
}

// rect is one box to draw; class is -1 when the source carries no class.
type rect struct {
	box   common.Box
	class int
}

// GridSource draws the cells of a single prediction grid [channels, Sy, Sx]
// whose score channel is strictly greater than Threshold.
//
// Channels 0-3 hold xc, yc, w, h and channel 4 the score. When the grid
// carries class logits from channel 5 on, the caption class is their argmax.
type GridSource struct {
	Grid      *tensor.Dense
	Threshold float32
}

func (s GridSource) rects() ([]rect, error) {
	if s.Grid == nil {
		return nil, errors.Wrap(ErrShape, "grid is nil")
	}
	dims := s.Grid.Shape()
	if len(dims) != 3 || s.Grid.Dtype() != tensor.Float32 {
		return nil, errors.Wrapf(ErrShape, "grid must be float32 [channels, Sy, Sx], got %v %v", s.Grid.Dtype(), dims)
	}
	channels, cells := dims[0], dims[1]*dims[2]
	if channels <= gridScore {
		return nil, errors.Wrapf(ErrShape, "grid needs at least %d channels, got %d", gridScore+1, channels)
	}

	data := float32s(s.Grid)
	at := func(c, i int) float32 { return data[c*cells+i] }

	var out []rect
	for i := 0; i < cells; i++ {
		if at(gridScore, i) <= s.Threshold {
			continue
		}

		class := -1
		best := math32.Inf(-1)
		for c := gridClassOffset; c < channels; c++ {
			if v := at(c, i); v > best {
				class, best = c-gridClassOffset, v
			}
		}

		out = append(out, rect{
			box: common.Box{
				XC: float64(at(0, i)),
				YC: float64(at(1, i)),
				W:  float64(at(2, i)),
				H:  float64(at(3, i)),
			},
			class: class,
		})
	}
	return out, nil
}

// BoxListSource draws every label of a box list. It has no threshold: labels are ground truth.
type BoxListSource struct {
	Labels []common.Label
}

func (s BoxListSource) rects() ([]rect, error) {
	out := make([]rect, len(s.Labels))
	for i, l := range s.Labels {
		out[i] = rect{box: l.Box, class: l.ClassID()}
	}
	return out, nil
}

// Options controls how DrawRects draws outlines.
type Options struct {
	Color      color.Color   // Outline color when no palette applies. Defaults to Red.
	Palette    []color.Color // Per-class outline colors, indexed by class id modulo length.
	ClassNames []string      // Class names drawn above each box when set.
	Thickness  int           // Outline thickness in pixels. Defaults to 1.
}

func (o Options) colorOf(class int) color.Color {
	if class >= 0 && len(o.Palette) > 0 {
		return o.Palette[class%len(o.Palette)]
	}
	if o.Color != nil {
		return o.Color
	}
	return Red
}

// ClassPalette returns n visually distinct colors spaced evenly around the hue circle.
func ClassPalette(n int) []color.Color {
	palette := make([]color.Color, n)
	for i := range palette {
		r, g, b := colorful.Hsv(360*float64(i)/float64(n), 0.85, 0.95).Clamped().RGB255()
		palette[i] = color.NRGBA{R: r, G: g, B: b, A: 255}
	}
	return palette
}

// DrawRects draws box outlines onto an RGB copy of a grayscale image.
//
// Box corners are x0 = int(W*(xc-w/2)), y0 = int(H*(yc-h/2)),
// x1 = int(W*(xc+w/2)), y1 = int(H*(yc+h/2)). Outlines include both corners
// and are clipped to the image.
//
// Arguments:
// - img: Grayscale image [H, W], float32 in [0, 1] or uint8.
// - src: The boxes to draw, a GridSource or a BoxListSource.
// - opts: Outline color, palette, captions and thickness.
//
// Returns:
// - *image.NRGBA: The annotated copy; img is not modified.
// - error: ErrShape if img or the grid has the wrong rank or dtype.
//
// @example
// out, err := DrawRects(img, BoxListSource{Labels: sample.Labels()}, Options{})
// out, err = DrawRects(img, GridSource{Grid: cell, Threshold: 0.5}, Options{Palette: ClassPalette(4)})
func DrawRects(img *tensor.Dense, src BoxSource, opts Options) (*image.NRGBA, error) {
	if src == nil {
		return nil, errors.New("box source is nil")
	}

	gray, err := grayImage(img)
	if err != nil {
		return nil, err
	}
	rects, err := src.rects()
	if err != nil {
		return nil, err
	}

	out := imaging.Clone(gray)
	width, height := out.Bounds().Dx(), out.Bounds().Dy()
	thickness := max(opts.Thickness, 1)

	for _, r := range rects {
		px := r.box.ToRect(width, height)
		c := opts.colorOf(r.class)
		for t := 0; t < thickness; t++ {
			outline(out, px.Inset(t), c)
		}
		if r.class >= 0 && r.class < len(opts.ClassNames) {
			caption(out, px, opts.ClassNames[r.class], c)
		}
	}

	return out, nil
}

// outline draws the inclusive border of r, skipping pixels outside dst.
func outline(dst *image.NRGBA, r image.Rectangle, c color.Color) {
	bounds := dst.Bounds()
	set := func(x, y int) {
		if image.Pt(x, y).In(bounds) {
			dst.Set(x, y, c)
		}
	}
	for x := r.Min.X; x <= r.Max.X; x++ {
		set(x, r.Min.Y)
		set(x, r.Max.Y)
	}
	for y := r.Min.Y; y <= r.Max.Y; y++ {
		set(r.Min.X, y)
		set(r.Max.X, y)
	}
}

// caption writes text above the box, or below it when there is no room.
func caption(dst *image.NRGBA, r image.Rectangle, text string, c color.Color) {
	face := basicfont.Face7x13
	y := r.Min.Y - 2
	if y < face.Ascent {
		y = r.Max.Y + face.Ascent + 2
	}
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(r.Min.X, y),
	}
	d.DrawString(text)
}

// grayImage converts a [H, W] float32 or uint8 tensor to an 8-bit grayscale image.
func grayImage(img *tensor.Dense) (*image.Gray, error) {
	if img == nil {
		return nil, errors.Wrap(ErrShape, "image is nil")
	}
	dims := img.Shape()
	if len(dims) != 2 {
		return nil, errors.Wrapf(ErrShape, "takes a single grayscale image [H, W], got %v", dims)
	}
	h, w := dims[0], dims[1]
	gray := image.NewGray(image.Rect(0, 0, w, h))

	switch img.Dtype() {
	case tensor.Float32:
		for i, v := range float32s(img) {
			gray.Pix[i] = uint8(math32.Floor(math32.Min(math32.Max(v, 0), 1)*255 + 0.5))
		}
	case tensor.Uint8:
		copy(gray.Pix, uint8s(img))
	default:
		return nil, errors.Wrapf(ErrShape, "image dtype must be float32 or uint8, got %v", img.Dtype())
	}
	return gray, nil
}

// GrayTensor converts an image to a [H, W] float32 grayscale tensor with values in [0, 1].
//
// @example
// img, _ := imaging.Open("slide.png")
// t := GrayTensor(img) // ready for DrawRects or a network input plane
func GrayTensor(img image.Image) *tensor.Dense {
	g := imaging.Grayscale(img)
	w, h := g.Bounds().Dx(), g.Bounds().Dy()

	data := make([]float32, w*h)
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride:]
		for x := 0; x < w; x++ {
			data[y*w+x] = float32(row[x*4]) / 255
		}
	}
	return tensor.New(tensor.WithShape(h, w), tensor.WithBacking(data))
}

func materialized(t *tensor.Dense) *tensor.Dense {
	if t.IsView() {
		if m, ok := t.Materialize().(*tensor.Dense); ok {
			return m
		}
	}
	return t
}

func float32s(t *tensor.Dense) []float32 {
	return materialized(t).Float32s()
}

func uint8s(t *tensor.Dense) []uint8 {
	return materialized(t).Uint8s()
}
