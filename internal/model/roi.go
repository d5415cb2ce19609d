package model

// ROI is a normalized rectangle inside the frame.
type ROI struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DefaultROI covers the frame minus a 5% margin on every side.
func DefaultROI() ROI {
	return ROI{X: 0.05, Y: 0.05, Width: 0.9, Height: 0.9}
}
