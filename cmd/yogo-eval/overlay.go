package main

import (
	"image"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nvr-ai/go-yogo/dataset"
	"github.com/nvr-ai/go-yogo/render"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
)

// overlayWriter saves annotated images and optionally shows them in a window.
type overlayWriter struct {
	dir     string
	limit   int
	written int
	opts    render.Options
	window  *gocv.Window
}

func newOverlayWriter(dir string, classes []string, limit int, show bool) *overlayWriter {
	ov := &overlayWriter{
		dir:   dir,
		limit: limit,
		opts: render.Options{
			Palette:    render.ClassPalette(len(classes)),
			ClassNames: classes,
			Thickness:  2,
		},
	}
	if show {
		ov.window = gocv.NewWindow("yogo")
	}
	return ov
}

// Done reports whether the overlay limit has been reached.
func (o *overlayWriter) Done() bool {
	return o.written >= o.limit
}

// Labels draws the ground truth boxes of image i of the batch.
func (o *overlayWriter) Labels(images *tensor.Dense, i int, sample dataset.Sample) error {
	if o.Done() {
		return nil
	}
	img, err := item(images, i)
	if err != nil {
		return err
	}
	out, err := render.DrawRects(img, render.BoxListSource{Labels: sample.Labels()}, o.opts)
	if err != nil {
		return err
	}
	return o.save(out, sample, "labels")
}

// Predictions draws the predicted cells of image i of the batch whose score exceeds threshold.
func (o *overlayWriter) Predictions(images, preds *tensor.Dense, i int, sample dataset.Sample, threshold float32) error {
	if o.Done() {
		return nil
	}
	img, err := item(images, i)
	if err != nil {
		return err
	}
	pred, err := item(preds, i)
	if err != nil {
		return err
	}
	out, err := render.DrawRects(img, render.GridSource{Grid: pred, Threshold: threshold}, o.opts)
	if err != nil {
		return err
	}
	return o.save(out, sample, "pred")
}

func (o *overlayWriter) save(img *image.NRGBA, sample dataset.Sample, suffix string) error {
	name := filepath.Base(sample.ImagePath())
	name = strings.TrimSuffix(name, filepath.Ext(name))
	path := filepath.Join(o.dir, name+"_"+suffix+".png")
	if err := imaging.Save(img, path); err != nil {
		return errors.Wrapf(err, "failed to save overlay %s", path)
	}
	o.written++

	log.WithFields(log.Fields{
		"image":   sample.ImagePath(),
		"overlay": path,
		"labels":  sample.NumLabels(),
	}).Debug("📋 Overlay written")

	if o.window != nil {
		mat, err := gocv.ImageToMatRGB(img)
		if err != nil {
			return errors.Wrap(err, "failed to convert overlay")
		}
		defer mat.Close()
		o.window.SetWindowTitle(name)
		o.window.IMShow(mat)
		o.window.WaitKey(0)
	}
	return nil
}

// Close closes the display window, if any.
func (o *overlayWriter) Close() {
	if o.window != nil {
		o.window.Close()
	}
}

// item copies entry i of a float32 batch [n, ...] into its own tensor with the batch dimension dropped.
// A [n, 1, H, W] image batch yields an [H, W] image.
func item(batch *tensor.Dense, i int) (*tensor.Dense, error) {
	dims := batch.Shape()
	if len(dims) < 2 || i < 0 || i >= dims[0] {
		return nil, errors.Errorf("cannot take item %d of batch %v", i, dims)
	}
	inner := []int(dims[1:].Clone())
	if len(inner) == 3 && inner[0] == 1 {
		inner = inner[1:]
	}

	size := 1
	for _, d := range inner {
		size *= d
	}
	data := make([]float32, size)
	copy(data, batch.Float32s()[i*size:(i+1)*size])
	return tensor.New(tensor.WithShape(inner...), tensor.WithBacking(data)), nil
}
