package model

// Class ids produced by the salt crystal model.
const (
	ClassImpure   = 0
	ClassPure     = 1
	ClassUnwanted = 2
)

var classNames = []string{"impure", "pure", "unwanted"}

// Overlay colors, red for impure, green for pure, amber for unwanted.
var classColors = []string{"#ef4444", "#22c55e", "#f59e0b"}

// ClassName returns the label for a class id, or "unknown".
func ClassName(id int) string {
	if id >= 0 && id < len(classNames) {
		return classNames[id]
	}
	return "unknown"
}

// ClassColor returns the overlay color for a class id.
func ClassColor(id int) string {
	if id >= 0 && id < len(classColors) {
		return classColors[id]
	}
	return "#94a3b8"
}

// Detection is a post-NMS detection normalized to the original frame.
// X, Y, Width and Height are in [0,1] with X+Width <= 1 and Y+Height <= 1.
type Detection struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	ClassID    int     `json:"classId"`
	ClassName  string  `json:"className"`
	Confidence float64 `json:"confidence"`
	Color      string  `json:"color"`

	InsideROI           *bool    `json:"insideROI,omitempty"`
	WhitenessPercentage *float64 `json:"whitenessPercentage,omitempty"`
	QualityScore        *float64 `json:"qualityScore,omitempty"`
}

// Center returns the normalized center point of the box.
func (d Detection) Center() (float64, float64) {
	return d.X + d.Width/2, d.Y + d.Height/2
}

// IsInsideROI reports the insideROI flag, false when unset.
func (d Detection) IsInsideROI() bool {
	return d.InsideROI != nil && *d.InsideROI
}

// Counts is a per-class tally of a detection set.
type Counts struct {
	Pure     int `json:"pureCount"`
	Impure   int `json:"impureCount"`
	Unwanted int `json:"unwantedCount"`
	Total    int `json:"totalCount"`
}

// CountClasses tallies detections by class.
func CountClasses(detections []Detection) Counts {
	var c Counts
	for _, d := range detections {
		switch d.ClassID {
		case ClassPure:
			c.Pure++
		case ClassImpure:
			c.Impure++
		case ClassUnwanted:
			c.Unwanted++
		}
	}
	c.Total = len(detections)
	return c
}

// Purity returns pure/(pure+impure)*100, or 100 when no salt was seen.
// Unwanted detections never take part.
func Purity(pure, impure int) float64 {
	salt := pure + impure
	if salt == 0 {
		return 100
	}
	return float64(pure) / float64(salt) * 100
}

// Purity of the tally.
func (c Counts) Purity() float64 {
	return Purity(c.Pure, c.Impure)
}

// WhitenessStats are mean whiteness and quality over a set of boxes.
type WhitenessStats struct {
	AvgWhiteness    float64 `json:"avgWhiteness"`
	AvgQualityScore float64 `json:"avgQualityScore"`
}
