package locator

import (
	"sort"

	"github.com/visagelab/liveswap/internal/frame"
)

// suppress performs Non-Maximum Suppression on detected regions.
func suppress(regions []frame.FaceRegion, iouThreshold float32) []frame.FaceRegion {
	if len(regions) == 0 {
		return regions
	}

	sort.Slice(regions, func(i, j int) bool {
		return regions[i].Score > regions[j].Score
	})

	keep := make([]bool, len(regions))
	for i := range keep {
		keep[i] = true
	}

	for i := 0; i < len(regions); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(regions); j++ {
			if !keep[j] {
				continue
			}
			if iou(regions[i].Box, regions[j].Box) > iouThreshold {
				keep[j] = false
			}
		}
	}

	result := make([]frame.FaceRegion, 0, len(regions))
	for i, r := range regions {
		if keep[i] {
			result = append(result, r)
		}
	}

	return result
}

// iou calculates Intersection over Union of two bounding boxes.
func iou(a, b frame.BoundingBox) float32 {
	x1 := max32(a.X1, b.X1)
	y1 := max32(a.Y1, b.Y1)
	x2 := min32(a.X2, b.X2)
	y2 := min32(a.Y2, b.Y2)

	if x1 >= x2 || y1 >= y2 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := a.Area() + b.Area() - intersection

	if union <= 0 {
		return 0
	}

	return intersection / union
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
