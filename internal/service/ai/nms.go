package ai

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
)

// NMS keeps the highest scoring candidates and drops any later candidate of the same
// class whose IoU with a kept one is at least iouThreshold. Classes never suppress each other.
// With iouThreshold <= 0 every same-class pair counts as overlapping, so one box per class survives.
func NMS(candidates []Candidate, iouThreshold float32) []Candidate {
	if len(candidates) == 0 {
		return nil
	}

	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	if iouThreshold <= 0 {
		return topPerClass(sorted)
	}

	// Spatial index to avoid comparing every pair
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(sorted))
	for _, c := range sorted {
		fb.Add(indexBounds(c))
	}
	fb.Finish()

	suppressed := make([]bool, len(sorted))
	kept := make([]Candidate, 0, len(sorted))
	var nearby []int

	for i, best := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, best)

		minX, minY, maxX, maxY := indexBounds(best)
		nearby = fb.SearchFast(minX, minY, maxX, maxY, nearby[:0])
		for _, j := range nearby {
			if j <= i || suppressed[j] {
				continue
			}
			if sorted[j].ClassID != best.ClassID {
				continue
			}
			if IoU(best, sorted[j]) >= iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func topPerClass(sorted []Candidate) []Candidate {
	seen := map[int]bool{}
	var kept []Candidate
	for _, c := range sorted {
		if !seen[c.ClassID] {
			seen[c.ClassID] = true
			kept = append(kept, c)
		}
	}
	return kept
}

// indexBounds rounds a box outwards to whole pixels so that every box with a
// non-empty intersection is found by a search.
func indexBounds(c Candidate) (int32, int32, int32, int32) {
	minX := int32(math32.Floor(math32.Min(c.X1, c.X2)))
	minY := int32(math32.Floor(math32.Min(c.Y1, c.Y2)))
	maxX := int32(math32.Ceil(math32.Max(c.X1, c.X2)))
	maxY := int32(math32.Ceil(math32.Max(c.Y1, c.Y2)))
	return minX, minY, maxX, maxY
}
