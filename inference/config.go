// Package inference - ONNX Runtime backed grid detector networks.
package inference

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// ErrConfig is returned for an invalid runtime configuration.
var ErrConfig = errors.New("inference configuration error")

// Device selects the execution provider.
type Device string

const (
	// DeviceCPU runs on the default CPU execution provider.
	DeviceCPU Device = "cpu"
	// DeviceCUDA runs on the NVIDIA CUDA execution provider.
	DeviceCUDA Device = "cuda"
)

// GraphOptimization names an ONNX Runtime graph optimization level.
type GraphOptimization string

const (
	GraphOptimizationDisabled GraphOptimization = "disabled"
	GraphOptimizationBasic    GraphOptimization = "basic"
	GraphOptimizationExtended GraphOptimization = "extended"
	GraphOptimizationAll      GraphOptimization = "all"
)

var graphOptimizationLevels = map[GraphOptimization]ort.GraphOptimizationLevel{
	GraphOptimizationDisabled: ort.GraphOptimizationLevelDisableAll,
	GraphOptimizationBasic:    ort.GraphOptimizationLevelEnableBasic,
	GraphOptimizationExtended: ort.GraphOptimizationLevelEnableExtended,
	GraphOptimizationAll:      ort.GraphOptimizationLevelEnableAll,
}

// RuntimeConfig holds every backend setting a network is created with.
//
// It is built once and passed explicitly; nothing in this package reads
// process-wide flags.
type RuntimeConfig struct {
	// SharedLibraryPath is the onnxruntime shared library. Empty uses GetSharedLibPath.
	SharedLibraryPath string `json:"shared_library_path" yaml:"shared_library_path"`
	// Device is the execution provider, "cpu" or "cuda".
	Device Device `json:"device" yaml:"device"`
	// DeviceID is the CUDA device ordinal.
	DeviceID int `json:"device_id" yaml:"device_id"`
	// IntraOpThreads parallelizes work inside a node. 0 lets ONNX Runtime decide.
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`
	// InterOpThreads parallelizes independent nodes. 0 lets ONNX Runtime decide.
	InterOpThreads int `json:"inter_op_threads" yaml:"inter_op_threads"`
	// CUDNNBenchmark benchmarks every cuDNN convolution algorithm instead of using heuristics.
	CUDNNBenchmark bool `json:"cudnn_benchmark" yaml:"cudnn_benchmark"`
	// AllowTF32 lets CUDA run float32 matmuls and convolutions in TensorFloat-32.
	AllowTF32 bool `json:"allow_tf32" yaml:"allow_tf32"`
	// GraphOptimization is the graph rewrite level.
	GraphOptimization GraphOptimization `json:"graph_optimization" yaml:"graph_optimization"`
}

// DefaultRuntimeConfig returns a CPU configuration with extended graph optimizations.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		Device:            DeviceCPU,
		GraphOptimization: GraphOptimizationExtended,
	}
}

// Validate checks the configuration without touching the native library.
func (c RuntimeConfig) Validate() error {
	if c.Device != DeviceCPU && c.Device != DeviceCUDA {
		return errors.Wrapf(ErrConfig, "unknown device %q, expected %q or %q", c.Device, DeviceCPU, DeviceCUDA)
	}
	if c.DeviceID < 0 {
		return errors.Wrapf(ErrConfig, "device id must be non-negative, got %d", c.DeviceID)
	}
	if c.IntraOpThreads < 0 || c.InterOpThreads < 0 {
		return errors.Wrapf(ErrConfig, "thread counts must be non-negative, got intra=%d inter=%d",
			c.IntraOpThreads, c.InterOpThreads)
	}
	if _, ok := graphOptimizationLevels[c.GraphOptimization]; !ok {
		return errors.Wrapf(ErrConfig, "unknown graph optimization level %q", c.GraphOptimization)
	}
	return nil
}

// LibraryPath returns the configured shared library, falling back to GetSharedLibPath.
func (c RuntimeConfig) LibraryPath() string {
	if c.SharedLibraryPath != "" {
		return c.SharedLibraryPath
	}
	return GetSharedLibPath()
}

// cudaOptions maps the configuration to CUDA execution provider options.
// See https://onnxruntime.ai/docs/execution-providers/CUDA-ExecutionProvider.html#configuration-options
func (c RuntimeConfig) cudaOptions() map[string]string {
	search := "HEURISTIC"
	if c.CUDNNBenchmark {
		search = "EXHAUSTIVE"
	}
	tf32 := "0"
	if c.AllowTF32 {
		tf32 = "1"
	}
	return map[string]string{
		"device_id":              fmt.Sprintf("%d", c.DeviceID),
		"cudnn_conv_algo_search": search,
		"use_tf32":               tf32,
	}
}

// sessionOptions builds native session options. The caller must Destroy them.
func (c RuntimeConfig) sessionOptions() (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "error creating ORT session options")
	}

	fail := func(err error, msg string) (*ort.SessionOptions, error) {
		options.Destroy()
		return nil, errors.Wrap(err, msg)
	}

	if err := options.SetIntraOpNumThreads(c.IntraOpThreads); err != nil {
		return fail(err, "error setting intra-op threads")
	}
	if err := options.SetInterOpNumThreads(c.InterOpThreads); err != nil {
		return fail(err, "error setting inter-op threads")
	}
	if err := options.SetGraphOptimizationLevel(graphOptimizationLevels[c.GraphOptimization]); err != nil {
		return fail(err, "error setting graph optimization level")
	}

	if c.Device == DeviceCUDA {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fail(err, "error creating CUDA provider options")
		}
		defer cuda.Destroy()

		if err := cuda.Update(c.cudaOptions()); err != nil {
			return fail(err, "error converting CUDA options")
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return fail(err, "error enabling CUDA")
		}
	}

	return options, nil
}

// GetSharedLibPath returns the default onnxruntime shared library path for this platform.
// The ONNXRUNTIME_LIB environment variable overrides it.
func GetSharedLibPath() string {
	if p := strings.TrimSpace(os.Getenv("ONNXRUNTIME_LIB")); p != "" {
		return p
	}
	switch runtime.GOOS {
	case "darwin":
		return "/opt/homebrew/lib/libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "/usr/lib/libonnxruntime.so"
	}
}
