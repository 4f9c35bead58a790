package dataset

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

// fixture is a generated dataset directory with images/ and labels/ subdirectories.
type fixture struct {
	root      string
	imageDir  string
	labelDir  string
	imageSize int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	f := &fixture{
		root:      root,
		imageDir:  filepath.Join(root, "images"),
		labelDir:  filepath.Join(root, "labels"),
		imageSize: 8,
	}
	require.NoError(t, os.MkdirAll(f.imageDir, 0o755))
	require.NoError(t, os.MkdirAll(f.labelDir, 0o755))
	return f
}

// addImage writes a uniformly gray image of the given level.
func (f *fixture) addImage(t *testing.T, name string, level uint8) string {
	t.Helper()

	img := imaging.New(f.imageSize, f.imageSize, color.NRGBA{R: level, G: level, B: level, A: 255})
	path := filepath.Join(f.imageDir, name)
	require.NoError(t, imaging.Save(img, path))
	return path
}

func (f *fixture) addLabels(t *testing.T, stem, content string) {
	t.Helper()

	path := filepath.Join(f.labelDir, stem+LabelExtension)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// addSample writes an image and its single-object label file.
func (f *fixture) addSample(t *testing.T, stem string, level uint8, labelRows string) {
	t.Helper()

	f.addImage(t, stem+".png", level)
	f.addLabels(t, stem, "class,xc,yc,w,h\n"+labelRows)
}
