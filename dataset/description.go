package dataset

import (
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// fractionTolerance absorbs float rounding when checking that split fractions sum to 1.
const fractionTolerance = 1e-9

// SplitFractions are the fractions of the dataset assigned to each split.
type SplitFractions struct {
	Train float64 `json:"train" yaml:"train"`
	Val   float64 `json:"val" yaml:"val"`
	Test  float64 `json:"test" yaml:"test"`
}

// Validate checks that every fraction is non-negative and that they sum to 1.
func (f SplitFractions) Validate() error {
	for name, v := range map[string]float64{"train": f.Train, "val": f.Val, "test": f.Test} {
		if v < 0 || math.IsNaN(v) {
			return errors.Wrapf(ErrConfig, "split fraction %s=%v must be non-negative", name, v)
		}
	}
	if sum := f.Train + f.Val + f.Test; math.Abs(sum-1) > fractionTolerance {
		return errors.Wrapf(ErrConfig,
			"invalid split fractions for dataset: split fractions must add to 1, got %+v", f)
	}
	return nil
}

// Description is the dataset description file.
//
// @example
//
//	class_names: ["healthy", "ring", "schizont"]
//	image_path: images
//	label_path: labels
//	dataset_split_fractions:
//	  train: 0.7
//	  val: 0.2
//	  test: 0.1
type Description struct {
	ClassNames     []string       `json:"class_names" yaml:"class_names"`
	ImagePath      string         `json:"image_path" yaml:"image_path"`
	LabelPath      string         `json:"label_path" yaml:"label_path"`
	SplitFractions SplitFractions `json:"dataset_split_fractions" yaml:"dataset_split_fractions"`
}

// LoadDescription reads and validates a dataset description file.
//
// Relative image and label paths are resolved against the directory of the
// description file.
//
// Arguments:
// - path: Path to the YAML description file.
//
// Returns:
// - *Description: The validated description with absolute-or-resolved paths.
// - error: ErrConfig for invalid fractions or missing fields,
// ErrMissingResource when the file or either directory does not exist.
func LoadDescription(path string) (*Description, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrMissingResource, "dataset description %s", path)
		}
		return nil, errors.Wrapf(err, "failed to open dataset description %s", path)
	}
	defer f.Close()

	var desc Description
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&desc); err != nil {
		return nil, errors.Wrapf(ErrConfig, "failed to parse dataset description %s: %v", path, err)
	}

	if len(desc.ClassNames) == 0 {
		return nil, errors.Wrapf(ErrConfig, "dataset description %s has no class_names", path)
	}
	if desc.ImagePath == "" || desc.LabelPath == "" {
		return nil, errors.Wrapf(ErrConfig, "dataset description %s needs image_path and label_path", path)
	}
	if err := desc.SplitFractions.Validate(); err != nil {
		return nil, err
	}

	base := filepath.Dir(path)
	desc.ImagePath = resolve(base, desc.ImagePath)
	desc.LabelPath = resolve(base, desc.LabelPath)

	if err := requireDir(desc.ImagePath); err != nil {
		return nil, errors.WithMessage(err, "image_path or label_path do not lead to a directory")
	}
	if err := requireDir(desc.LabelPath); err != nil {
		return nil, errors.WithMessage(err, "image_path or label_path do not lead to a directory")
	}

	return &desc, nil
}

// Open indexes the dataset a description points at using the default PNG filter.
func Open(desc *Description) (*Dataset, error) {
	return Index(desc.ClassNames, desc.ImagePath, desc.LabelPath, DefaultIndexOptions())
}

func resolve(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
