package postprocess

import (
	"fmt"
	"math"
	"sort"

	"github.com/perchvision/go-yoloxclient/preprocess"
)

// YOLOX defines the struct for YOLOX model inference post processing
type YOLOX struct {
	// Params are the Model configuration parameters
	Params YOLOXParams
	// idGen is a counter that increments and provides the next number
	// for each detection result ID
	idGen *idGenerator
}

// YOLOXParams defines the struct containing the YOLOX parameters to use
// for post processing operations
type YOLOXParams struct {
	// Strides of the model feature map levels
	Strides []int
	// ScoreThreshold is the minimum combined confidence score
	// (objectness * class probability) required for a bounding box to be
	// considered for processing
	ScoreThreshold float32
	// NMSThreshold is the Non-Maximum Suppression threshold used for defining
	// the maximum allowed Intersection Over Union (IoU) between two
	// bounding boxes for both to be kept
	NMSThreshold float32
	// ObjectClassNum is the number of different object classes the Model has
	// been trained with
	ObjectClassNum int
	// ProbBoxSize is the length of array elements representing each bounding
	// box's attributes.  Which is the 4 box coordinates plus objectness plus
	// the number of object classes the Model was trained with
	ProbBoxSize int
	// MaxObjectNumber is the maximum number of objects detected that can be
	// returned
	MaxObjectNumber int
}

// YOLOXCOCOParams returns an instance of YOLOXParams configured with
// default values for a Model trained on the COCO dataset featuring:
// - Object Classes: 80
// - Strides of: 8, 16, 32
// - Score Threshold: 0.3
// - NMS Threshold: 0.45
// - Prob Box Size: 85
// - Maximum Object Number: 64
func YOLOXCOCOParams() YOLOXParams {
	return YOLOXParams{
		Strides:         []int{8, 16, 32},
		ScoreThreshold:  0.3,
		NMSThreshold:    0.45,
		ObjectClassNum:  80,
		ProbBoxSize:     85,
		MaxObjectNumber: 64,
	}
}

// NewYOLOX returns an instance of the YOLOX post processor
func NewYOLOX(p YOLOXParams) *YOLOX {
	return &YOLOX{
		Params: p,
		idGen:  newIDGenerator(),
	}
}

// YOLOXResult defines a struct used for object detection results
type YOLOXResult struct {
	DetectResults []DetectResult
}

// GetDetectResults returns the object detection results containing bounding
// boxes
func (r YOLOXResult) GetDetectResults() []DetectResult {
	return r.DetectResults
}

// candidates holds the decoded boxes pending suppression.  Boxes are xyxy in
// source image coordinates, one entry per (box, class) pair above the score
// threshold.
type candidates struct {
	boxes    []float32
	scores   []float32
	classIDs []int
}

// DetectObjects takes the raw output tensor returned by the model and runs
// the box decoding and multiclass NMS process, returning the final
// detections in source image coordinates.  The tensor rows are grid cells
// in stride level order and each row holds
// [cx, cy, w, h, objectness, class scores...].
func (y *YOLOX) DetectObjects(data []float32, shape []int64,
	resizer *preprocess.Resizer) (DetectionResult, error) {

	// fail fast on tensors the decoder was not configured for
	if len(shape) < 2 || int(shape[len(shape)-1]) != y.Params.ProbBoxSize {
		return nil, fmt.Errorf("output tensor shape %v does not end in row size %d",
			shape, y.Params.ProbBoxSize)
	}

	if len(data)%y.Params.ProbBoxSize != 0 {
		return nil, fmt.Errorf("output tensor length %d is not a multiple of row size %d",
			len(data), y.Params.ProbBoxSize)
	}

	rows := len(data) / y.Params.ProbBoxSize
	expected := 0

	for _, stride := range y.Params.Strides {
		expected += (resizer.DestHeight() / stride) * (resizer.DestWidth() / stride)
	}

	if rows != expected {
		return nil, fmt.Errorf("output tensor has %d rows, want %d for input %dx%d with strides %v",
			rows, expected, resizer.DestWidth(), resizer.DestHeight(),
			y.Params.Strides)
	}

	// decode each stride level
	cand := &candidates{}
	row := 0

	for _, stride := range y.Params.Strides {
		row = y.processStride(data, stride, row, cand, resizer)
	}

	if len(cand.scores) == 0 {
		// no object detected
		return YOLOXResult{}, nil
	}

	// indexArray keeps an index of detect objects ordered by descending
	// score, ties broken by original index so results are reproducible
	indexArray := make([]int, len(cand.scores))

	for i := range indexArray {
		indexArray[i] = i
	}

	sort.SliceStable(indexArray, func(a, b int) bool {
		return cand.scores[indexArray[a]] > cand.scores[indexArray[b]]
	})

	// create a unique set of ClassID (ie: eliminate any multiples found)
	classSet := make(map[int]bool)

	for _, id := range cand.classIDs {
		classSet[id] = true
	}

	// for each classID in the classSet calculate the NMS
	for c := range classSet {
		nms(cand.boxes, cand.classIDs, indexArray, c, y.Params.NMSThreshold)
	}

	// collate surviving objects into a result for returning
	group := make([]DetectResult, 0)

	srcW := float32(resizer.SrcWidth())
	srcH := float32(resizer.SrcHeight())

	for _, n := range indexArray {

		if n == -1 {
			continue
		}

		if len(group) >= y.Params.MaxObjectNumber {
			break
		}

		result := DetectResult{
			Box: BoxRect{
				Left:   int(clamp(cand.boxes[n*4], 0, srcW)),
				Top:    int(clamp(cand.boxes[n*4+1], 0, srcH)),
				Right:  int(clamp(cand.boxes[n*4+2], 0, srcW)),
				Bottom: int(clamp(cand.boxes[n*4+3], 0, srcH)),
			},
			Probability: cand.scores[n],
			Class:       cand.classIDs[n],
			ID:          y.idGen.GetNext(),
		}

		group = append(group, result)
	}

	return YOLOXResult{
		DetectResults: group,
	}, nil
}

// processStride decodes the grid cells of one stride level starting at the
// given tensor row, appending candidates above the score threshold.  Returns
// the next unprocessed row.
func (y *YOLOX) processStride(data []float32, stride int, row int,
	cand *candidates, resizer *preprocess.Resizer) int {

	gridH := resizer.DestHeight() / stride
	gridW := resizer.DestWidth() / stride

	boxSize := y.Params.ProbBoxSize
	scale := resizer.ScaleFactor()
	xPad := float32(resizer.XPad())
	yPad := float32(resizer.YPad())

	for i := 0; i < gridH; i++ {
		for j := 0; j < gridW; j++ {

			rec := data[row*boxSize : (row+1)*boxSize]
			row++

			objectness := rec[4]

			// skip cells where not even the best class can clear the
			// threshold
			maxClassProb := float32(0)

			for k := 0; k < y.Params.ObjectClassNum; k++ {
				if rec[5+k] > maxClassProb {
					maxClassProb = rec[5+k]
				}
			}

			if objectness*maxClassProb < y.Params.ScoreThreshold {
				continue
			}

			// anchor free decoding of the cell offsets into absolute input
			// space coordinates, this must match the decoding used at
			// training time
			boxX := (rec[0] + float32(j)) * float32(stride)
			boxY := (rec[1] + float32(i)) * float32(stride)
			boxW := float32(math.Exp(float64(rec[2]))) * float32(stride)
			boxH := float32(math.Exp(float64(rec[3]))) * float32(stride)

			// convert to corner form and descale to source image space
			x1 := (boxX - boxW/2.0 - xPad) / scale
			y1 := (boxY - boxH/2.0 - yPad) / scale
			x2 := (boxX + boxW/2.0 - xPad) / scale
			y2 := (boxY + boxH/2.0 - yPad) / scale

			// one candidate per class clearing the score threshold
			for k := 0; k < y.Params.ObjectClassNum; k++ {

				score := objectness * rec[5+k]

				if score < y.Params.ScoreThreshold {
					continue
				}

				cand.boxes = append(cand.boxes, x1, y1, x2, y2)
				cand.scores = append(cand.scores, score)
				cand.classIDs = append(cand.classIDs, k)
			}
		}
	}

	return row
}
