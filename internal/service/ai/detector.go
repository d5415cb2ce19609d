package ai

import (
	"context"
	"time"

	"github.com/google/uuid"

	"saltdetect/internal/apperr"
	"saltdetect/internal/config"
	"saltdetect/internal/logger"
	"saltdetect/internal/metrics"
	"saltdetect/internal/model"
)

// Result is the outcome of running one frame through the pipeline.
type Result struct {
	FrameID          string
	Timestamp        time.Time
	Frame            *Frame
	Boxes            []model.Detection
	Counts           model.Counts
	PurityPercentage float64
	ProcessingTimeMs float64
}

// Detector chains decoding, preprocessing, inference, postprocessing and whiteness scoring.
type Detector struct {
	engine  *Engine
	pre     *Preprocessor
	post    *Postprocessor
	scorer  *Scorer
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// NewDetectorService wires a detector around an engine.
func NewDetectorService(config *config.Config, engine *Engine, logger *logger.Logger, metrics *metrics.Metrics) *Detector {
	return &Detector{
		engine:  engine,
		pre:     NewPreprocessor(config.InputSize),
		post:    NewPostprocessor(config.InputSize, config.NumClasses, config.IoUThreshold),
		scorer:  NewScorer(logger),
		logger:  logger,
		metrics: metrics,
	}
}

// Ready reports whether the underlying model is loaded.
func (d *Detector) Ready() bool {
	return d.engine.Ready()
}

// Detect runs the full pipeline on encoded image bytes using the given confidence threshold.
func (d *Detector) Detect(ctx context.Context, data []byte, confidence float64) (*Result, error) {
	if !d.engine.Ready() {
		return nil, apperr.ErrModelNotReady
	}

	start := time.Now()

	frame, err := DecodeFrame(data)
	if err != nil {
		return nil, err
	}

	output, err := d.engine.Infer(ctx, d.pre.Tensor(frame))
	if err != nil {
		return nil, err
	}

	boxes, err := d.post.Process(output, confidence)
	if err != nil {
		return nil, err
	}
	d.scorer.Score(frame, boxes)

	counts := model.CountClasses(boxes)
	for id := model.ClassImpure; id <= model.ClassUnwanted; id++ {
		d.metrics.Detections(model.ClassName(id), countOf(counts, id))
	}

	elapsed := time.Since(start)
	d.logger.Debug("Frame %dx%d: %d boxes, pure=%d impure=%d in %v",
		frame.Width, frame.Height, counts.Total, counts.Pure, counts.Impure, elapsed)

	return &Result{
		FrameID:          uuid.NewString(),
		Timestamp:        start,
		Frame:            frame,
		Boxes:            boxes,
		Counts:           counts,
		PurityPercentage: counts.Purity(),
		ProcessingTimeMs: float64(elapsed.Microseconds()) / 1000,
	}, nil
}

func countOf(c model.Counts, classID int) int {
	switch classID {
	case model.ClassPure:
		return c.Pure
	case model.ClassImpure:
		return c.Impure
	case model.ClassUnwanted:
		return c.Unwanted
	}
	return 0
}
