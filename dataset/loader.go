package dataset

import (
	"math/rand"
	"os"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/nvr-ai/go-yogo/common"
	"github.com/nvr-ai/go-yogo/grid"
	"github.com/nvr-ai/go-yogo/render"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	// Register the webp decoder with image.Decode for imaging.Open.
	_ "golang.org/x/image/webp"
)

// LoaderConfig controls how samples are grouped and decoded into batches.
type LoaderConfig struct {
	// BatchSize is the number of samples per batch.
	BatchSize int `json:"batch_size" yaml:"batch_size"`
	// Height and Width are the network input size images are resized to.
	Height int `json:"height" yaml:"height"`
	Width  int `json:"width" yaml:"width"`
	// Sy and Sx are the label grid rows and columns.
	Sy int `json:"sy" yaml:"sy"`
	Sx int `json:"sx" yaml:"sx"`
	// Workers is the number of goroutines decoding images of a batch.
	Workers int `json:"workers" yaml:"workers"`
	// DropLast drops a trailing batch smaller than BatchSize.
	DropLast bool `json:"drop_last" yaml:"drop_last"`
}

// DefaultLoaderConfig returns the loader configuration for 772x1032 images on a 97x129 grid.
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		BatchSize: 32,
		Height:    772,
		Width:     1032,
		Sy:        97,
		Sx:        129,
		Workers:   runtime.NumCPU(),
	}
}

// Validate checks that every size in the configuration is positive.
func (c LoaderConfig) Validate() error {
	for name, v := range map[string]int{
		"batch size": c.BatchSize,
		"height":     c.Height,
		"width":      c.Width,
		"sy":         c.Sy,
		"sx":         c.Sx,
		"workers":    c.Workers,
	} {
		if v <= 0 {
			return errors.Wrapf(ErrConfig, "loader %s must be positive, got %d", name, v)
		}
	}
	return nil
}

// Batch is one decoded group of samples.
type Batch struct {
	// Images is the grayscale image batch [n, 1, Height, Width] with values in [0, 1].
	Images *tensor.Dense
	// Labels is the label grid batch [n, 6, Sy, Sx].
	Labels *tensor.Dense
	// Samples are the samples the batch was built from, in batch order.
	Samples []Sample
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Samples)
}

// Loader groups the samples of a source into batches of image and label tensors.
//
// The source's samples are only read, so a Loader may serve a subset that
// other loaders share.
type Loader struct {
	src   Source
	cfg   LoaderConfig
	order []int
}

// NewLoader creates a loader over src. Samples are served in source order until Shuffle is called.
//
// Arguments:
// - src: The dataset or subset to load.
// - cfg: Batch size, input size, grid size and worker count.
//
// Returns:
// - *Loader: The loader.
// - error: ErrConfig for an invalid configuration.
//
// @example
// loader, err := NewLoader(splits[Val], DefaultLoaderConfig())
// batch, err := loader.Batch(0)
func NewLoader(src Source, cfg LoaderConfig) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	order := make([]int, src.Len())
	for i := range order {
		order[i] = i
	}
	return &Loader{src: src, cfg: cfg, order: order}, nil
}

// Config returns the loader configuration.
func (l *Loader) Config() LoaderConfig {
	return l.cfg
}

// Shuffle reorders the samples with a seeded permutation.
func (l *Loader) Shuffle(seed int64) {
	rand.New(rand.NewSource(seed)).Shuffle(len(l.order), func(i, j int) {
		l.order[i], l.order[j] = l.order[j], l.order[i]
	})
}

// Len returns the number of batches.
func (l *Loader) Len() int {
	n := len(l.order) / l.cfg.BatchSize
	if !l.cfg.DropLast && len(l.order)%l.cfg.BatchSize != 0 {
		n++
	}
	return n
}

// Batch decodes the i-th batch.
//
// Images are decoded concurrently by up to Workers goroutines; the first
// decode failure fails the whole batch.
//
// Arguments:
// - i: The batch index in [0, Len()).
//
// Returns:
// - *Batch: The image tensor, the label grid and the samples.
// - error: An error if i is out of range or any image fails to load.
func (l *Loader) Batch(i int) (*Batch, error) {
	if i < 0 || i >= l.Len() {
		return nil, errors.Errorf("batch index %d out of range [0, %d)", i, l.Len())
	}

	start := i * l.cfg.BatchSize
	end := min(start+l.cfg.BatchSize, len(l.order))

	samples := make([]Sample, 0, end-start)
	labels := make([][]common.Label, 0, end-start)
	for _, idx := range l.order[start:end] {
		s := l.src.Sample(idx)
		samples = append(samples, s)
		labels = append(labels, s.Labels())
	}

	images, err := l.loadImages(samples)
	if err != nil {
		return nil, err
	}

	grids, err := grid.EncodeLabels(labels, l.cfg.Sy, l.cfg.Sx)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to encode labels")
	}

	return &Batch{Images: images, Labels: grids, Samples: samples}, nil
}

// loadImages decodes the sample images into a [n, 1, Height, Width] tensor.
func (l *Loader) loadImages(samples []Sample) (*tensor.Dense, error) {
	h, w := l.cfg.Height, l.cfg.Width
	plane := h * w
	backing := make([]float32, len(samples)*plane)
	errs := make([]error, len(samples))

	sem := make(chan struct{}, l.cfg.Workers)
	var wg sync.WaitGroup

	for i, s := range samples {
		wg.Add(1)
		go func(idx int, path string) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			img, err := LoadImage(path, h, w)
			if err != nil {
				errs[idx] = err
				return
			}
			copy(backing[idx*plane:(idx+1)*plane], img.Float32s())
		}(i, s.ImagePath())
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return tensor.New(tensor.WithShape(len(samples), 1, h, w), tensor.WithBacking(backing)), nil
}

// LoadImage opens an image, resizes it to height x width and converts it to grayscale.
//
// Arguments:
// - path: Path to a PNG, JPEG, TIFF, BMP, GIF or WebP image.
// - height: Output height.
// - width: Output width.
//
// Returns:
// - *tensor.Dense: The [height, width] float32 image with values in [0, 1].
// - error: ErrMissingResource if the file does not exist, or the decode error.
func LoadImage(path string, height, width int) (*tensor.Dense, error) {
	img, err := imaging.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrMissingResource, "image %s", path)
		}
		return nil, errors.Wrapf(err, "failed to open image %s", path)
	}

	b := img.Bounds()
	if b.Dx() != width || b.Dy() != height {
		img = resize.Resize(uint(width), uint(height), img, resize.Bilinear)
	}

	return render.GrayTensor(img), nil
}
