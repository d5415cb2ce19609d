package ai

import (
	"github.com/chewxy/math32"

	"saltdetect/internal/apperr"
	"saltdetect/internal/model"
)

// Candidate is a thresholded prediction in model input pixels, corner format.
type Candidate struct {
	X1, Y1, X2, Y2 float32
	ClassID        int
	Score          float32
}

// IoU is the intersection over union of two corner boxes.
// Disjoint boxes and a zero union both give 0.
func IoU(a, b Candidate) float32 {
	xLeft := math32.Max(a.X1, b.X1)
	yTop := math32.Max(a.Y1, b.Y1)
	xRight := math32.Min(a.X2, b.X2)
	yBottom := math32.Min(a.Y2, b.Y2)

	if xRight < xLeft || yBottom < yTop {
		return 0
	}

	intersection := (xRight - xLeft) * (yBottom - yTop)
	union := (a.X2-a.X1)*(a.Y2-a.Y1) + (b.X2-b.X1)*(b.Y2-b.Y1) - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// Postprocessor turns the C x N output of a YOLO style detector into detections.
// Rows 0..3 hold cx, cy, w, h and rows 4..C-1 hold one score per class.
type Postprocessor struct {
	inputSize    int
	numClasses   int
	iouThreshold float32
}

func NewPostprocessor(inputSize, numClasses int, iouThreshold float64) *Postprocessor {
	return &Postprocessor{
		inputSize:    inputSize,
		numClasses:   numClasses,
		iouThreshold: float32(iouThreshold),
	}
}

// Candidates picks the best class per prediction and keeps those scoring at least threshold.
func (p *Postprocessor) Candidates(out *Output, threshold float32) ([]Candidate, error) {
	channels := 4 + p.numClasses
	if len(out.Shape) == 3 && out.Shape[1] != channels {
		return nil, apperr.Newf("unexpected output shape %v, want [1 %d N]", out.Shape, channels)
	}
	if len(out.Data)%channels != 0 {
		return nil, apperr.Newf("output length %d is not a multiple of %d channels", len(out.Data), channels)
	}

	n := len(out.Data) / channels
	data := out.Data
	var candidates []Candidate

	for i := 0; i < n; i++ {
		var maxScore float32
		classID := 0
		for c := 0; c < p.numClasses; c++ {
			if score := data[(4+c)*n+i]; score > maxScore {
				maxScore = score
				classID = c
			}
		}
		if maxScore < threshold {
			continue
		}

		cx, cy := data[i], data[n+i]
		w, h := data[2*n+i], data[3*n+i]
		candidates = append(candidates, Candidate{
			X1:      cx - w/2,
			Y1:      cy - h/2,
			X2:      cx + w/2,
			Y2:      cy + h/2,
			ClassID: classID,
			Score:   maxScore,
		})
	}
	return candidates, nil
}

// Denormalize maps a candidate into [0,1] frame coordinates, clamped to the frame.
func (p *Postprocessor) Denormalize(c Candidate) model.Detection {
	size := float32(p.inputSize)
	x := math32.Max(0, c.X1/size)
	y := math32.Max(0, c.Y1/size)
	w := math32.Max(0, math32.Min(1-x, (c.X2-c.X1)/size))
	h := math32.Max(0, math32.Min(1-y, (c.Y2-c.Y1)/size))

	return model.Detection{
		X:          float64(math32.Min(x, 1)),
		Y:          float64(math32.Min(y, 1)),
		Width:      float64(w),
		Height:     float64(h),
		ClassID:    c.ClassID,
		ClassName:  model.ClassName(c.ClassID),
		Confidence: float64(c.Score),
		Color:      model.ClassColor(c.ClassID),
	}
}

// Process runs threshold, NMS and denormalization.
func (p *Postprocessor) Process(out *Output, threshold float64) ([]model.Detection, error) {
	candidates, err := p.Candidates(out, float32(threshold))
	if err != nil {
		return nil, err
	}

	kept := NMS(candidates, p.iouThreshold)
	detections := make([]model.Detection, 0, len(kept))
	for _, c := range kept {
		detections = append(detections, p.Denormalize(c))
	}
	return detections, nil
}
