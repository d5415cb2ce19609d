package stream

import (
	"saltdetect/internal/model"
	"saltdetect/internal/service/roi"
)

func validateROI(r model.ROI) error {
	return roi.Validate(r)
}

// markROI flags every box against the region and returns the in-region stats.
func markROI(boxes []model.Detection, r model.ROI) roi.Stats {
	return roi.CalculateStats(roi.MarkBoxes(boxes, r), r)
}
