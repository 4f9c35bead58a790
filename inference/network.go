package inference

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/nvr-ai/go-yogo/grid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

// Network maps an image batch [n, 1, H, W] to a prediction grid [n, 5+classes, Sy, Sx].
type Network interface {
	Forward(ctx context.Context, images *tensor.Dense) (*tensor.Dense, error)
	Close() error
}

// NetworkShape describes the fixed input and output of an exported grid detector.
type NetworkShape struct {
	// InputName and OutputName are the graph node names. Empty names are read from the model.
	InputName  string `json:"input_name" yaml:"input_name"`
	OutputName string `json:"output_name" yaml:"output_name"`
	// Batch is the batch size the model was exported with.
	Batch int `json:"batch" yaml:"batch"`
	// Height and Width are the input image size.
	Height int `json:"height" yaml:"height"`
	Width  int `json:"width" yaml:"width"`
	// Sy and Sx are the output grid rows and columns.
	Sy int `json:"sy" yaml:"sy"`
	Sx int `json:"sx" yaml:"sx"`
	// NumClasses is the number of class logits per cell.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
}

// Channels returns the number of prediction channels per cell.
func (s NetworkShape) Channels() int {
	return grid.PredClassOffset + s.NumClasses
}

// Validate checks that every dimension is positive.
func (s NetworkShape) Validate() error {
	for name, v := range map[string]int{
		"batch":       s.Batch,
		"height":      s.Height,
		"width":       s.Width,
		"sy":          s.Sy,
		"sx":          s.Sx,
		"num classes": s.NumClasses,
	} {
		if v <= 0 {
			return errors.Wrapf(ErrConfig, "network %s must be positive, got %d", name, v)
		}
	}
	return nil
}

// Stats are cumulative inference counters.
type Stats struct {
	Runs   int64
	Images int64
	Total  time.Duration
}

// PerImage returns the mean inference time per image.
func (s Stats) PerImage() time.Duration {
	if s.Images == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Images)
}

// ONNXNetwork runs an exported grid detector with ONNX Runtime.
//
// The session binds preallocated input and output tensors of the exported
// batch size; Forward pads or splits batches to fit. Calls to Forward are
// serialized.
type ONNXNetwork struct {
	shape   NetworkShape
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]

	mu    sync.Mutex
	stats Stats
}

var envMu sync.Mutex

// initEnvironment loads the shared library and initializes ONNX Runtime once per process.
func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if _, err := os.Stat(libPath); err != nil {
		return errors.Wrapf(ErrConfig, "ONNX Runtime library not found at %s: %v", libPath, err)
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "error initializing ORT environment")
	}
	return nil
}

// NewONNXNetwork loads a model and binds fixed-shape input and output tensors.
//
// Order of operations:
//  1. Configuration and model file checks, before any native call.
//  2. Environment setup from cfg's shared library.
//  3. Node name lookup when shape leaves them empty.
//  4. Tensor allocation, session options and session creation.
//
// Arguments:
//   - modelPath: Path to the ONNX model.
//   - shape: Exported input/output dimensions.
//   - cfg: Device, threading and optimization settings.
//
// Returns:
//   - *ONNXNetwork: The network; Close releases its native resources.
//   - error: ErrConfig for invalid settings or a missing model or library.
//
// @example
// cfg := DefaultRuntimeConfig()
// cfg.Device = DeviceCUDA
// net, err := NewONNXNetwork("yogo.onnx", NetworkShape{Batch: 8, Height: 772, Width: 1032, Sy: 97, Sx: 129, NumClasses: 4}, cfg)
func NewONNXNetwork(modelPath string, shape NetworkShape, cfg RuntimeConfig) (*ONNXNetwork, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, errors.Wrapf(ErrConfig, "model %s: %v", modelPath, err)
	}

	if err := initEnvironment(cfg.LibraryPath()); err != nil {
		return nil, err
	}

	if shape.InputName == "" || shape.OutputName == "" {
		inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read model inputs and outputs of %s", modelPath)
		}
		if len(inputs) != 1 || len(outputs) != 1 {
			return nil, errors.Wrapf(ErrConfig, "expected one input and one output, got %d and %d",
				len(inputs), len(outputs))
		}
		if shape.InputName == "" {
			shape.InputName = inputs[0].Name
		}
		if shape.OutputName == "" {
			shape.OutputName = outputs[0].Name
		}
	}

	input, err := ort.NewEmptyTensor[float32](
		ort.NewShape(int64(shape.Batch), 1, int64(shape.Height), int64(shape.Width)))
	if err != nil {
		return nil, errors.Wrap(err, "error creating input tensor")
	}
	output, err := ort.NewEmptyTensor[float32](
		ort.NewShape(int64(shape.Batch), int64(shape.Channels()), int64(shape.Sy), int64(shape.Sx)))
	if err != nil {
		input.Destroy()
		return nil, errors.Wrap(err, "error creating output tensor")
	}

	options, err := cfg.sessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{shape.InputName},
		[]string{shape.OutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrap(err, "error creating ORT session")
	}

	log.WithFields(log.Fields{
		"model":  modelPath,
		"device": cfg.Device,
		"batch":  shape.Batch,
		"grid":   []int{shape.Sy, shape.Sx},
	}).Info("🔒 ONNX session created")

	return &ONNXNetwork{shape: shape, session: session, input: input, output: output}, nil
}

// Shape returns the network's input and output dimensions.
func (n *ONNXNetwork) Shape() NetworkShape {
	return n.shape
}

// Stats returns the cumulative inference counters.
func (n *ONNXNetwork) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// Forward runs the network over an image batch of any size.
//
// Arguments:
//   - ctx: Checked before every exported-size chunk.
//   - images: Image batch [n, 1, Height, Width], float32.
//
// Returns:
//   - *tensor.Dense: Prediction grid [n, 5+classes, Sy, Sx].
//   - error: grid.ErrShape for a mismatched batch, the context error, or the run error.
func (n *ONNXNetwork) Forward(ctx context.Context, images *tensor.Dense) (*tensor.Dense, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.session == nil || n.input == nil || n.output == nil {
		return nil, errors.New("network is closed")
	}

	start := time.Now()
	out, count, err := forwardChunks(ctx, images, n.shape, n.input.GetData(), n.output.GetData(), n.session.Run)
	if err != nil {
		return nil, err
	}

	n.stats.Runs++
	n.stats.Images += int64(count)
	n.stats.Total += time.Since(start)
	return out, nil
}

// forwardChunks splits images into chunks of the exported batch size,
// zero-pads the last chunk, runs each and gathers the outputs of real images.
func forwardChunks(
	ctx context.Context,
	images *tensor.Dense,
	shape NetworkShape,
	in, out []float32,
	run func() error,
) (*tensor.Dense, int, error) {
	is, err := grid.ShapeOf(images)
	if err != nil {
		return nil, 0, errors.WithMessage(err, "images")
	}
	if is.Batch == 0 {
		return nil, 0, errors.Wrap(grid.ErrShape, "image batch is empty")
	}
	if is.Channels != 1 || is.Sy != shape.Height || is.Sx != shape.Width {
		return nil, 0, errors.Wrapf(grid.ErrShape, "images must be [n, 1, %d, %d], got [%d, %d, %d, %d]",
			shape.Height, shape.Width, is.Batch, is.Channels, is.Sy, is.Sx)
	}

	src := images.Float32s()
	if images.IsView() {
		if m, ok := images.Materialize().(*tensor.Dense); ok {
			src = m.Float32s()
		}
	}

	inPlane := shape.Height * shape.Width
	outPlane := shape.Channels() * shape.Sy * shape.Sx
	result := make([]float32, is.Batch*outPlane)

	for start := 0; start < is.Batch; start += shape.Batch {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		end := min(start+shape.Batch, is.Batch)
		filled := copy(in, src[start*inPlane:end*inPlane])
		clear(in[filled:])

		if err := run(); err != nil {
			return nil, 0, errors.Wrap(err, "error running ORT session")
		}
		copy(result[start*outPlane:end*outPlane], out[:(end-start)*outPlane])
	}

	return tensor.New(
		tensor.WithShape(is.Batch, shape.Channels(), shape.Sy, shape.Sx),
		tensor.WithBacking(result),
	), is.Batch, nil
}

// Close releases the session and its tensors. The network is unusable
// afterwards even when destroying the session fails.
func (n *ONNXNetwork) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var err error
	if n.session != nil {
		if derr := n.session.Destroy(); derr != nil {
			err = errors.Wrap(derr, "error destroying ORT session")
		}
		n.session = nil
	}
	if n.input != nil {
		n.input.Destroy()
		n.input = nil
	}
	if n.output != nil {
		n.output.Destroy()
		n.output = nil
	}
	return err
}
