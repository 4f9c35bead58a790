// Package main - yogo-eval draws dataset overlays and evaluates an exported grid detector on a dataset split.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/nvr-ai/go-yogo/dataset"
	"github.com/nvr-ai/go-yogo/inference"
	"github.com/nvr-ai/go-yogo/metrics"
	"github.com/nvr-ai/go-yogo/report"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultOutputDir is where overlays and reports are written.
	DefaultOutputDir = "yogo_eval"
	// DefaultThreshold is the objectness threshold for prediction overlays.
	DefaultThreshold = 0.5
	// DefaultOverlays is the number of overlay images written per run.
	DefaultOverlays = 16
)

// config holds the parsed command line.
type config struct {
	descriptionPath string
	modelPath       string
	split           string
	seed            int64
	threshold       float64
	outputDir       string
	overlays        int
	show            bool
	logLevel        string

	loader  dataset.LoaderConfig
	runtime inference.RuntimeConfig
}

func parseFlags() config {
	cfg := config{
		loader:  dataset.DefaultLoaderConfig(),
		runtime: inference.DefaultRuntimeConfig(),
	}
	var device string

	flag.StringVar(&cfg.descriptionPath, "dataset", "", "Path to the dataset description YAML file")
	flag.StringVar(&cfg.modelPath, "model", "", "Path to an exported ONNX model; without it only label overlays are drawn")
	flag.StringVar(&cfg.split, "split", string(dataset.Val), "Split to evaluate: train, val, test or all")
	flag.Int64Var(&cfg.seed, "seed", 0, "Seed of the dataset split")
	flag.IntVar(&cfg.loader.BatchSize, "batch-size", 8, "Images per batch")
	flag.IntVar(&cfg.loader.Height, "height", cfg.loader.Height, "Network input height")
	flag.IntVar(&cfg.loader.Width, "width", cfg.loader.Width, "Network input width")
	flag.IntVar(&cfg.loader.Sy, "sy", cfg.loader.Sy, "Grid rows")
	flag.IntVar(&cfg.loader.Sx, "sx", cfg.loader.Sx, "Grid columns")
	flag.IntVar(&cfg.loader.Workers, "workers", runtime.NumCPU(), "Image decoding goroutines")
	flag.Float64Var(&cfg.threshold, "threshold", DefaultThreshold, "Objectness threshold for prediction overlays")
	flag.StringVar(&cfg.outputDir, "out", DefaultOutputDir, "Output directory for overlays and reports")
	flag.IntVar(&cfg.overlays, "overlays", DefaultOverlays, "Number of overlay images to write")
	flag.StringVar(&device, "device", string(inference.DeviceCPU), "Execution device: cpu or cuda")
	flag.IntVar(&cfg.runtime.DeviceID, "device-id", 0, "CUDA device ordinal")
	flag.BoolVar(&cfg.runtime.AllowTF32, "tf32", false, "Allow TensorFloat-32 on CUDA")
	flag.BoolVar(&cfg.runtime.CUDNNBenchmark, "cudnn-benchmark", false, "Benchmark cuDNN convolution algorithms")
	flag.StringVar(&cfg.runtime.SharedLibraryPath, "ort-lib", "", "Path to the onnxruntime shared library")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	flag.BoolVar(&cfg.show, "show", false, "Show overlays in a window")
	flag.Parse()

	cfg.runtime.Device = inference.Device(strings.ToLower(device))
	return cfg
}

func main() {
	cfg := parseFlags()

	level, err := log.ParseLevel(cfg.logLevel)
	if err != nil {
		log.WithError(err).Fatal("❌ Invalid log level")
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if cfg.descriptionPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("❌ Evaluation failed")
	}
}

func run(ctx context.Context, cfg config) error {
	desc, err := dataset.LoadDescription(cfg.descriptionPath)
	if err != nil {
		return err
	}
	ds, err := dataset.Open(desc)
	if err != nil {
		return err
	}
	src, err := selectSplit(ds.Sorted(), desc.SplitFractions, cfg.split, cfg.seed)
	if err != nil {
		return err
	}

	loader, err := dataset.NewLoader(src, cfg.loader)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.outputDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create output directory %s", cfg.outputDir)
	}

	ov := newOverlayWriter(cfg.outputDir, ds.Classes, cfg.overlays, cfg.show)
	defer ov.Close()

	if cfg.modelPath == "" {
		return drawLabels(ctx, loader, ov)
	}
	return evaluate(ctx, cfg, loader, ds.Classes, ov)
}

// selectSplit returns one split of the dataset, or the whole dataset for "all".
func selectSplit(ds *dataset.Dataset, fractions dataset.SplitFractions, name string, seed int64) (dataset.Source, error) {
	if name == "all" {
		return ds, nil
	}
	splits, err := dataset.Split(ds, fractions, seed)
	if err != nil {
		return nil, err
	}
	subset, ok := splits[dataset.Designation(name)]
	if !ok {
		return nil, errors.Errorf("unknown split %q, expected train, val, test or all", name)
	}
	return subset, nil
}

// drawLabels writes ground truth overlays for the split.
func drawLabels(ctx context.Context, loader *dataset.Loader, ov *overlayWriter) error {
	for i := 0; i < loader.Len() && !ov.Done(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := loader.Batch(i)
		if err != nil {
			return err
		}
		for j, sample := range batch.Samples {
			if err := ov.Labels(batch.Images, j, sample); err != nil {
				return err
			}
		}
	}

	log.WithField("dir", ov.dir).Info("✅ Label overlays written")
	return nil
}

// evaluate runs the model over the split and writes the metrics and overlays.
func evaluate(
	ctx context.Context,
	cfg config,
	loader *dataset.Loader,
	classes []string,
	ov *overlayWriter,
) error {
	net, err := inference.NewONNXNetwork(cfg.modelPath, inference.NetworkShape{
		Batch:      cfg.loader.BatchSize,
		Height:     cfg.loader.Height,
		Width:      cfg.loader.Width,
		Sy:         cfg.loader.Sy,
		Sx:         cfg.loader.Sx,
		NumClasses: len(classes),
	}, cfg.runtime)
	if err != nil {
		return err
	}
	defer net.Close()

	m, err := metrics.New(len(classes))
	if err != nil {
		return err
	}

	for i := 0; i < loader.Len(); i++ {
		batch, err := loader.Batch(i)
		if err != nil {
			return err
		}
		preds, err := net.Forward(ctx, batch.Images)
		if err != nil {
			return err
		}
		if err := m.Update(preds, batch.Labels); err != nil {
			return err
		}
		for j, sample := range batch.Samples {
			if ov.Done() {
				break
			}
			if err := ov.Predictions(batch.Images, preds, j, sample, float32(cfg.threshold)); err != nil {
				return err
			}
		}

		log.WithFields(log.Fields{
			"batch": i + 1,
			"of":    loader.Len(),
		}).Debug("📋 Batch evaluated")
	}

	summary, _ := m.Compute()
	stats := net.Stats()
	log.WithFields(log.Fields{
		"map":       summary.MAP(),
		"map_50":    summary[metrics.KeyMAP50],
		"mar_100":   summary[metrics.KeyMAR],
		"accuracy":  m.Accuracy(),
		"per_image": stats.PerImage(),
	}).Info("🎯 Evaluation complete")

	return writeReports(cfg.outputDir, m, summary, classes)
}

// writeReports writes the summary YAML, the confusion table CSV and the confusion heatmap.
func writeReports(dir string, m *metrics.Metrics, summary metrics.Summary, classes []string) error {
	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := yaml.Node{Kind: yaml.MappingNode}
	for _, k := range keys {
		var key, value yaml.Node
		if err := key.Encode(k); err != nil {
			return errors.Wrap(err, "failed to encode summary key")
		}
		if err := value.Encode(summary[k]); err != nil {
			return errors.Wrap(err, "failed to encode summary value")
		}
		ordered.Content = append(ordered.Content, &key, &value)
	}
	out, err := yaml.Marshal(&ordered)
	if err != nil {
		return errors.Wrap(err, "failed to marshal summary")
	}
	if err := os.WriteFile(filepath.Join(dir, "summary.yml"), out, 0o644); err != nil {
		return errors.Wrap(err, "failed to write summary")
	}

	counts := m.ConfusionMatrix()
	rows, err := report.ConfusionTable(counts, classes)
	if err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, "confusion.csv"))
	if err != nil {
		return errors.Wrap(err, "failed to create confusion table")
	}
	defer f.Close()
	if err := report.WriteCSV(f, rows); err != nil {
		return err
	}

	heatmap := filepath.Join(dir, "confusion.png")
	if err := report.SaveConfusionHeatmap(counts, classes, "confusion matrix", heatmap); err != nil {
		return err
	}

	log.WithField("dir", dir).Info("✅ Reports written")
	return nil
}
