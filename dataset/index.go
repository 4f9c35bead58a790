package dataset

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// IndexOptions selects which files in the image directory are samples.
//
// Exactly one of Extensions and IsValidFile must be set.
type IndexOptions struct {
	// Extensions accepted, case-insensitive, with or without the leading dot (e.g. "png").
	Extensions []string `json:"extensions" yaml:"extensions"`
	// IsValidFile is a custom predicate over the full image path.
	IsValidFile func(path string) bool `json:"-" yaml:"-"`
}

// DefaultIndexOptions accepts PNG images, the format the training images are stored in.
func DefaultIndexOptions() IndexOptions {
	return IndexOptions{Extensions: []string{"png"}}
}

// predicate resolves the options into a single validity predicate.
func (o IndexOptions) predicate() (func(string) bool, error) {
	hasExtensions := len(o.Extensions) > 0
	hasPredicate := o.IsValidFile != nil
	if hasExtensions == hasPredicate {
		return nil, errors.Wrap(ErrConfig,
			"exactly one of extensions and is-valid-file predicate must be set")
	}
	if hasPredicate {
		return o.IsValidFile, nil
	}

	suffixes := make([]string, len(o.Extensions))
	for i, ext := range o.Extensions {
		suffixes[i] = "." + strings.TrimPrefix(strings.ToLower(ext), ".")
	}
	return func(path string) bool {
		lower := strings.ToLower(path)
		for _, suffix := range suffixes {
			if strings.HasSuffix(lower, suffix) {
				return true
			}
		}
		return false
	}, nil
}

// Index scans an image directory and pairs every accepted image with its labels.
//
// For each accepted image the label file is the image's stem with the
// ".csv" extension, looked up in labelDir. Samples are returned in directory
// listing order; use Dataset.Sorted for an explicit order. Any failure aborts
// the whole index with no partial result.
//
// Arguments:
// - classes: The class names, indexed by class id.
// - imageDir: Directory containing the images.
// - labelDir: Directory containing one label file per image.
// - opts: Extension filter or validity predicate (exactly one).
//
// Returns:
// - *Dataset: The indexed dataset.
// - error: ErrConfig for invalid options, ErrMissingResource for missing
// directories or label files, ErrFormat for malformed label rows.
//
// @example
// ds, err := Index([]string{"healthy", "ring"}, "data/images", "data/labels", DefaultIndexOptions())
func Index(classes []string, imageDir, labelDir string, opts IndexOptions) (*Dataset, error) {
	isValid, err := opts.predicate()
	if err != nil {
		return nil, err
	}

	for _, dir := range []string{imageDir, labelDir} {
		if err := requireDir(dir); err != nil {
			return nil, err
		}
	}

	entries, err := os.ReadDir(imageDir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image directory %s", imageDir)
	}

	samples := make([]Sample, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		imagePath := filepath.Join(imageDir, entry.Name())
		if !isValid(imagePath) {
			continue
		}

		labels, err := ReadLabels(labelPath(labelDir, entry.Name()))
		if err != nil {
			return nil, errors.WithMessagef(err, "image %s", imagePath)
		}
		samples = append(samples, Sample{imagePath: imagePath, labels: labels})
	}

	ds := &Dataset{
		Classes:  append([]string(nil), classes...),
		ImageDir: imageDir,
		LabelDir: labelDir,
		samples:  samples,
	}

	log.WithFields(log.Fields{
		"images":  ds.Len(),
		"objects": ds.NumLabels(),
		"dir":     imageDir,
	}).Info("✅ Dataset indexed")

	return ds, nil
}

// labelPath maps an image file name to its label file in labelDir.
func labelPath(labelDir, imageName string) string {
	stem := strings.TrimSuffix(imageName, filepath.Ext(imageName))
	return filepath.Join(labelDir, stem+LabelExtension)
}

func requireDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrMissingResource, "directory %s", dir)
		}
		return errors.Wrapf(err, "failed to stat %s", dir)
	}
	if !info.IsDir() {
		return errors.Wrapf(ErrMissingResource, "%s is not a directory", dir)
	}
	return nil
}
