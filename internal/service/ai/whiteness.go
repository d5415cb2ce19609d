package ai

import (
	"image"
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"

	"saltdetect/internal/logger"
	"saltdetect/internal/model"
)

// MinCropSize is the smallest box side, in pixels, that whiteness is measured on.
const MinCropSize = 3

// Quality multipliers: pure crystals keep their whiteness, anything else is penalized.
const (
	pureQualityFactor  = 1.0
	otherQualityFactor = 0.3
)

// CropRect maps a normalized box onto the frame. Boxes are grown to MinCropSize and
// shifted back inside the frame. ok is false when the frame is too small to hold the crop.
func CropRect(d model.Detection, frameWidth, frameHeight int) (image.Rectangle, bool) {
	left := int(math.Floor(d.X * float64(frameWidth)))
	top := int(math.Floor(d.Y * float64(frameHeight)))
	width := max(MinCropSize, int(math.Floor(d.Width*float64(frameWidth))))
	height := max(MinCropSize, int(math.Floor(d.Height*float64(frameHeight))))

	left = max(0, min(left, frameWidth-width))
	top = max(0, min(top, frameHeight-height))
	width = min(width, frameWidth-left)
	height = min(height, frameHeight-top)

	if width < MinCropSize || height < MinCropSize {
		return image.Rectangle{}, false
	}
	return image.Rect(left, top, left+width, top+height), true
}

// RegionWhiteness is the mean of V*(1-S) in HSV space over r, as a percentage.
// Pure white scores 100, black and fully saturated colors score 0.
func RegionWhiteness(img *image.NRGBA, r image.Rectangle) float64 {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return 0
	}

	var total float64
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			px := img.Pix[img.PixOffset(x, y):]
			c := colorful.Color{
				R: float64(px[0]) / 255,
				G: float64(px[1]) / 255,
				B: float64(px[2]) / 255,
			}
			_, s, v := c.Hsv()
			total += v * (1 - s)
		}
	}
	return total / float64(r.Dx()*r.Dy()) * 100
}

// QualityScore weights whiteness by class.
func QualityScore(className string, whiteness float64) float64 {
	if className == model.ClassName(model.ClassPure) {
		return whiteness * pureQualityFactor
	}
	return whiteness * otherQualityFactor
}

// Scorer annotates detections with whiteness and quality.
type Scorer struct {
	logger *logger.Logger
}

func NewScorer(logger *logger.Logger) *Scorer {
	return &Scorer{logger: logger}
}

// Score sets WhitenessPercentage and QualityScore on every box in place.
// A box that cannot be measured scores 0 and the frame carries on.
func (s *Scorer) Score(frame *Frame, boxes []model.Detection) []model.Detection {
	for i := range boxes {
		whiteness := 0.0
		if r, ok := CropRect(boxes[i], frame.Width, frame.Height); ok {
			whiteness = RegionWhiteness(frame.Image, r)
		} else {
			s.logger.Warning("Skipping whiteness for box %d: frame %dx%d smaller than %d px crop",
				i, frame.Width, frame.Height, MinCropSize)
		}
		quality := QualityScore(boxes[i].ClassName, whiteness)
		boxes[i].WhitenessPercentage = &whiteness
		boxes[i].QualityScore = &quality
	}
	return boxes
}

// AggregateStats averages whiteness and quality over boxes, rounded to 2 decimals.
func AggregateStats(boxes []model.Detection) model.WhitenessStats {
	if len(boxes) == 0 {
		return model.WhitenessStats{}
	}

	var whiteness, quality float64
	for _, b := range boxes {
		if b.WhitenessPercentage != nil {
			whiteness += *b.WhitenessPercentage
		}
		if b.QualityScore != nil {
			quality += *b.QualityScore
		}
	}
	n := float64(len(boxes))
	return model.WhitenessStats{
		AvgWhiteness:    round2(whiteness / n),
		AvgQualityScore: round2(quality / n),
	}
}

// ROIAggregateStats is AggregateStats over the boxes flagged inside the ROI.
func ROIAggregateStats(boxes []model.Detection) model.WhitenessStats {
	inside := make([]model.Detection, 0, len(boxes))
	for _, b := range boxes {
		if b.IsInsideROI() {
			inside = append(inside, b)
		}
	}
	return AggregateStats(inside)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
