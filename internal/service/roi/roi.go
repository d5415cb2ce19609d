// Package roi evaluates detections against a normalized region of interest.
package roi

import (
	"saltdetect/internal/apperr"
	"saltdetect/internal/model"
)

// Stats are the class counts and purity of the detections inside an ROI.
type Stats struct {
	model.Counts
	PurityPercentage float64 `json:"purityPercentage"`
}

// IsInsideROI reports whether the center of box lies in roi, boundaries included.
func IsInsideROI(box model.Detection, roi model.ROI) bool {
	cx, cy := box.Center()
	return cx >= roi.X &&
		cx <= roi.X+roi.Width &&
		cy >= roi.Y &&
		cy <= roi.Y+roi.Height
}

// FilterByROI returns the detections whose center is inside roi.
func FilterByROI(boxes []model.Detection, roi model.ROI) []model.Detection {
	inside := make([]model.Detection, 0, len(boxes))
	for _, b := range boxes {
		if IsInsideROI(b, roi) {
			inside = append(inside, b)
		}
	}
	return inside
}

// MarkBoxes sets InsideROI on every box in place and returns the slice.
func MarkBoxes(boxes []model.Detection, roi model.ROI) []model.Detection {
	for i := range boxes {
		inside := IsInsideROI(boxes[i], roi)
		boxes[i].InsideROI = &inside
	}
	return boxes
}

// CalculateStats counts the detections inside roi and derives their purity.
func CalculateStats(boxes []model.Detection, roi model.ROI) Stats {
	counts := model.CountClasses(FilterByROI(boxes, roi))
	return Stats{
		Counts:           counts,
		PurityPercentage: counts.Purity(),
	}
}

// Validate rejects rectangles that do not fit in the unit square.
func Validate(r model.ROI) error {
	switch {
	case r.X < 0 || r.X > 1 || r.Y < 0 || r.Y > 1:
		return apperr.Wrapf(apperr.ErrInvalidROI, "origin (%.3f, %.3f) outside [0,1]", r.X, r.Y)
	case r.Width <= 0 || r.Width > 1 || r.Height <= 0 || r.Height > 1:
		return apperr.Wrapf(apperr.ErrInvalidROI, "size %.3fx%.3f outside (0,1]", r.Width, r.Height)
	case r.X+r.Width > 1 || r.Y+r.Height > 1:
		return apperr.Wrap(apperr.ErrInvalidROI, "rectangle extends past the frame")
	}
	return nil
}
