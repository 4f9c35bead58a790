package dataset

import (
	"sort"

	"github.com/nvr-ai/go-yogo/common"
)

// Sample pairs an image path with the labels of the objects in that image.
//
// A Sample is immutable once constructed: Labels returns a copy, so samples
// may be shared between concurrent data-fetch workers without locking.
type Sample struct {
	imagePath string
	labels    []common.Label
}

// NewSample creates a sample, copying the given labels.
func NewSample(imagePath string, labels []common.Label) Sample {
	return Sample{
		imagePath: imagePath,
		labels:    append(make([]common.Label, 0, len(labels)), labels...),
	}
}

// ImagePath returns the path of the sample's image.
func (s Sample) ImagePath() string {
	return s.imagePath
}

// Labels returns a copy of the sample's labels.
func (s Sample) Labels() []common.Label {
	return append(make([]common.Label, 0, len(s.labels)), s.labels...)
}

// NumLabels returns the number of labeled objects in the sample.
func (s Sample) NumLabels() int {
	return len(s.labels)
}

// Source is anything that exposes an indexed, read-only list of samples.
type Source interface {
	Len() int
	Sample(i int) Sample
}

// Dataset is an ordered, read-only list of samples together with the class names.
type Dataset struct {
	// Classes are the class names, indexed by class id.
	Classes []string
	// ImageDir is the directory the images were indexed from.
	ImageDir string
	// LabelDir is the directory the label files were read from.
	LabelDir string

	samples []Sample
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	return len(d.samples)
}

// Sample returns the i-th sample. It panics if i is out of range, like a slice index.
func (d *Dataset) Sample(i int) Sample {
	return d.samples[i]
}

// Sorted returns a new dataset with the same samples ordered by image path.
//
// Index enumerates images in directory listing order; callers that need the
// same order on every platform should sort explicitly.
func (d *Dataset) Sorted() *Dataset {
	samples := append(make([]Sample, 0, len(d.samples)), d.samples...)
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].imagePath < samples[j].imagePath
	})
	return &Dataset{
		Classes:  d.Classes,
		ImageDir: d.ImageDir,
		LabelDir: d.LabelDir,
		samples:  samples,
	}
}

// NumLabels returns the total number of labeled objects over all samples.
func (d *Dataset) NumLabels() int {
	n := 0
	for _, s := range d.samples {
		n += len(s.labels)
	}
	return n
}
