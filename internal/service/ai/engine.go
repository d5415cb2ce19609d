package ai

import (
	"context"
	"sync/atomic"
	"time"

	"saltdetect/internal/apperr"
	"saltdetect/internal/config"
	"saltdetect/internal/logger"
	"saltdetect/internal/metrics"
)

// Output is the raw model output buffer, laid out as Shape (usually [1, C, N]).
type Output struct {
	Data  []float32
	Shape []int
}

// Model runs a single forward pass. Implementations must be safe for concurrent use.
type Model interface {
	Infer(ctx context.Context, input *Tensor) (*Output, error)
	Close() error
}

// Loader opens the model. It is called once by Engine.Load.
type Loader func() (Model, error)

// Engine gates access to the model until it has been loaded and warmed up.
type Engine struct {
	model     Model
	ready     atomic.Bool
	modelPath string
	inputSize int
	timeout   time.Duration
	logger    *logger.Logger
	metrics   *metrics.Metrics
}

func NewEngine(config *config.Config, logger *logger.Logger, metrics *metrics.Metrics) *Engine {
	return &Engine{
		modelPath: config.ModelPath,
		inputSize: config.InputSize,
		timeout:   config.InferenceTimeout,
		logger:    logger,
		metrics:   metrics,
	}
}

// Load opens the model and runs one inference on a zero tensor before marking it ready.
func (e *Engine) Load(ctx context.Context, load Loader) error {
	e.logger.Info("Loading model from %s", e.modelPath)

	model, err := load()
	if err != nil {
		return apperr.Wrapf(err, "load model %s", e.modelPath)
	}

	start := time.Now()
	if _, err := model.Infer(ctx, NewTensor(e.inputSize)); err != nil {
		model.Close()
		return apperr.Wrap(err, "model warm-up")
	}

	e.model = model
	e.ready.Store(true)
	e.logger.Info("Model ready, warm-up took %v", time.Since(start))
	return nil
}

// Ready reports whether Infer can be called.
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// ModelPath is the configured model location.
func (e *Engine) ModelPath() string {
	return e.modelPath
}

// InputSize is the side of the square model input.
func (e *Engine) InputSize() int {
	return e.inputSize
}

// Infer runs the model, bounded by the configured timeout when there is one.
func (e *Engine) Infer(ctx context.Context, input *Tensor) (*Output, error) {
	if !e.Ready() {
		return nil, apperr.ErrModelNotReady
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := e.model.Infer(ctx, input)
	e.metrics.InferenceLatency(time.Since(start))
	if err != nil {
		return nil, apperr.Wrap(err, "inference")
	}
	return out, nil
}

// Close releases the model.
func (e *Engine) Close() error {
	if !e.ready.Swap(false) {
		return nil
	}
	return e.model.Close()
}
