package inference

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/go-yogo/grid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestRuntimeConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RuntimeConfig)
		wantErr bool
	}{
		{name: "default", mutate: func(*RuntimeConfig) {}},
		{name: "cuda", mutate: func(c *RuntimeConfig) { c.Device = DeviceCUDA; c.DeviceID = 1 }},
		{name: "unknown device", mutate: func(c *RuntimeConfig) { c.Device = "tpu" }, wantErr: true},
		{name: "negative device id", mutate: func(c *RuntimeConfig) { c.DeviceID = -1 }, wantErr: true},
		{name: "negative threads", mutate: func(c *RuntimeConfig) { c.InterOpThreads = -2 }, wantErr: true},
		{name: "unknown optimization", mutate: func(c *RuntimeConfig) { c.GraphOptimization = "max" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRuntimeConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrConfig), "expected ErrConfig, got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCUDAOptions(t *testing.T) {
	cfg := DefaultRuntimeConfig()
	cfg.Device = DeviceCUDA
	cfg.DeviceID = 2

	assert.Equal(t, map[string]string{
		"device_id":              "2",
		"cudnn_conv_algo_search": "HEURISTIC",
		"use_tf32":               "0",
	}, cfg.cudaOptions())

	cfg.CUDNNBenchmark = true
	cfg.AllowTF32 = true
	opts := cfg.cudaOptions()
	assert.Equal(t, "EXHAUSTIVE", opts["cudnn_conv_algo_search"])
	assert.Equal(t, "1", opts["use_tf32"])
}

func TestLibraryPath(t *testing.T) {
	t.Setenv("ONNXRUNTIME_LIB", "/opt/ort/libonnxruntime.so")
	assert.Equal(t, "/opt/ort/libonnxruntime.so", DefaultRuntimeConfig().LibraryPath())

	cfg := DefaultRuntimeConfig()
	cfg.SharedLibraryPath = "/custom/lib.so"
	assert.Equal(t, "/custom/lib.so", cfg.LibraryPath())
}

func TestNewONNXNetworkChecksBeforeLoading(t *testing.T) {
	shape := NetworkShape{Batch: 1, Height: 4, Width: 4, Sy: 2, Sx: 2, NumClasses: 3}

	_, err := NewONNXNetwork(filepath.Join(t.TempDir(), "missing.onnx"), shape, DefaultRuntimeConfig())
	assert.True(t, errors.Is(err, ErrConfig))

	shape.NumClasses = 0
	_, err = NewONNXNetwork("model.onnx", shape, DefaultRuntimeConfig())
	assert.True(t, errors.Is(err, ErrConfig))
}

// echoRun fakes a session: each output plane's first value is the sum of its input plane.
func echoRun(shape NetworkShape, in, out []float32, runs *int) func() error {
	inPlane := shape.Height * shape.Width
	outPlane := shape.Channels() * shape.Sy * shape.Sx
	return func() error {
		*runs++
		for b := 0; b < shape.Batch; b++ {
			var sum float32
			for _, v := range in[b*inPlane : (b+1)*inPlane] {
				sum += v
			}
			out[b*outPlane] = sum
		}
		return nil
	}
}

func TestForwardChunks(t *testing.T) {
	shape := NetworkShape{Batch: 2, Height: 2, Width: 2, Sy: 1, Sx: 1, NumClasses: 1}
	in := make([]float32, 2*4)
	out := make([]float32, 2*shape.Channels())

	// Five images, image i filled with i+1.
	data := make([]float32, 5*4)
	for i := range data {
		data[i] = float32(i/4 + 1)
	}
	images := tensor.New(tensor.WithShape(5, 1, 2, 2), tensor.WithBacking(data))

	runs := 0
	result, count, err := forwardChunks(context.Background(), images, shape, in, out, echoRun(shape, in, out, &runs))
	require.NoError(t, err)
	assert.Equal(t, 5, count)
	assert.Equal(t, 3, runs)
	assert.Equal(t, tensor.Shape{5, shape.Channels(), 1, 1}, result.Shape())

	values := result.Float32s()
	for i := 0; i < 5; i++ {
		assert.Equal(t, float32(4*(i+1)), values[i*shape.Channels()], "image %d", i)
	}
	// The last chunk was zero padded.
	assert.Equal(t, float32(0), in[4])
}

func TestForwardChunksErrors(t *testing.T) {
	shape := NetworkShape{Batch: 1, Height: 2, Width: 2, Sy: 1, Sx: 1, NumClasses: 1}
	in := make([]float32, 4)
	out := make([]float32, shape.Channels())
	noop := func() error { return nil }

	_, _, err := forwardChunks(context.Background(),
		tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 1, 3, 2)), shape, in, out, noop)
	assert.True(t, errors.Is(err, grid.ErrShape))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = forwardChunks(ctx,
		tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 1, 2, 2)), shape, in, out, noop)
	assert.ErrorIs(t, err, context.Canceled)

	failing := func() error { return errors.New("boom") }
	_, _, err = forwardChunks(context.Background(),
		tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 1, 2, 2)), shape, in, out, failing)
	assert.ErrorContains(t, err, "boom")
}

func TestStatsPerImage(t *testing.T) {
	assert.Equal(t, int64(0), int64(Stats{}.PerImage()))
	assert.Equal(t, int64(5), int64(Stats{Images: 2, Total: 10}.PerImage()))
}

func TestONNXNetworkClosed(t *testing.T) {
	shape := NetworkShape{Batch: 1, Height: 2, Width: 2, Sy: 1, Sx: 1, NumClasses: 1}
	n := &ONNXNetwork{shape: shape}

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())

	images := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 1, 2, 2))
	assert.NotPanics(t, func() {
		_, err := n.Forward(context.Background(), images)
		assert.ErrorContains(t, err, "network is closed")
	})
	assert.Equal(t, Stats{}, n.Stats())
}
