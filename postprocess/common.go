package postprocess

import (
	"math"
	"sync"
)

// clamp restricts the value to be within the range min and max
func clamp(val, min, max float32) float32 {

	if val > min {

		if val < max {
			return val
		}

		return max
	}

	return min
}

// nms implements a greedy Non-Maximum Suppression (NMS) pass over candidates
// of a single class.  Boxes are xyxy slices of four values per candidate and
// order holds candidate indexes sorted by descending score, suppressed
// entries are marked with -1.
func nms(boxes []float32, classIDs []int, order []int, filterID int,
	threshold float32) {

	for i := 0; i < len(order); i++ {

		n := order[i]

		if n == -1 || classIDs[n] != filterID {
			continue
		}

		for j := i + 1; j < len(order); j++ {
			m := order[j]

			if m == -1 || classIDs[m] != filterID {
				continue
			}

			iou := calculateOverlap(
				boxes[n*4], boxes[n*4+1], boxes[n*4+2], boxes[n*4+3],
				boxes[m*4], boxes[m*4+1], boxes[m*4+2], boxes[m*4+3],
			)

			if iou > threshold {
				order[j] = -1
			}
		}
	}
}

// calculateOverlap works out the Intersection of Union (IoU) value of two
// boxes dimensions
func calculateOverlap(xmin0, ymin0, xmax0, ymax0, xmin1, ymin1,
	xmax1, ymax1 float32) float32 {

	w := math.Max(0.0, math.Min(float64(xmax0), float64(xmax1))-math.Max(float64(xmin0), float64(xmin1))+1.0)
	h := math.Max(0.0, math.Min(float64(ymax0), float64(ymax1))-math.Max(float64(ymin0), float64(ymin1))+1.0)
	intersection := w * h

	// Calculate the area of both rectangles with added 1.0 for inclusive pixel calculation
	area0 := (xmax0 - xmin0 + 1) * (ymax0 - ymin0 + 1)
	area1 := (xmax1 - xmin1 + 1) * (ymax1 - ymin1 + 1)

	// Calculate union
	union := area0 + area1 - float32(intersection)

	if union <= 0 {
		return 0.0
	}

	// Return Intersection of Union (IoU)
	return float32(intersection) / union
}

// idGenerator holds a counter for generating the next incremental ID number
// assigned to detection results
type idGenerator struct {
	id int64
	sync.Mutex
}

func newIDGenerator() *idGenerator {
	return &idGenerator{}
}

// GetNext next incremental number
func (id *idGenerator) GetNext() int64 {
	id.Lock()
	defer id.Unlock()
	id.id++
	return id.id
}
