package postprocess

import (
	"testing"

	"github.com/perchvision/go-yoloxclient/preprocess"
)

// testShape is the model input size used by the decoder tests, kept small so
// synthetic tensors stay readable.  Grid sizes for strides 8/16/32 are
// 8x8 + 4x4 + 2x2 = 84 rows.
const (
	testInput = 64
	testRows  = 84
)

// newTestTensor returns a zeroed raw output tensor for the test input size
func newTestTensor(p YOLOXParams) []float32 {
	return make([]float32, testRows*p.ProbBoxSize)
}

// setCell writes one raw prediction row for the grid cell (i, j) at the
// given stride level
func setCell(data []float32, p YOLOXParams, stride, i, j int,
	cx, cy, w, h, objectness float32, classID int, classProb float32) {

	row := 0

	for _, s := range p.Strides {
		if s == stride {
			break
		}
		row += (testInput / s) * (testInput / s)
	}

	row += i*(testInput/stride) + j

	rec := data[row*p.ProbBoxSize : (row+1)*p.ProbBoxSize]
	rec[0] = cx
	rec[1] = cy
	rec[2] = w
	rec[3] = h
	rec[4] = objectness
	rec[5+classID] = classProb
}

// newTestResizer maps a 128x128 source image onto the 64x64 test input,
// giving a scale factor of 0.5
func newTestResizer() *preprocess.Resizer {
	return preprocess.NewResizer(128, 128, testInput, testInput)
}

func TestDecodeClosedForm(t *testing.T) {

	params := YOLOXCOCOParams()
	proc := NewYOLOX(params)

	resizer := newTestResizer()
	defer resizer.Close()

	data := newTestTensor(params)

	// cell (2, 3) at stride 16 with zero w/h offsets decodes to a 16x16 box
	// centered at ((0.5+3)*16, (0.25+2)*16) = (56, 36) in input space,
	// descaled by 0.5 to the source image
	setCell(data, params, 16, 2, 3, 0.5, 0.25, 0, 0, 0.9, 7, 0.8)

	res, err := proc.DetectObjects(data, []int64{1, testRows, 85}, resizer)

	if err != nil {
		t.Fatalf("DetectObjects failed: %v", err)
	}

	dets := res.GetDetectResults()

	if len(dets) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(dets))
	}

	det := dets[0]

	if det.Class != 7 {
		t.Errorf("expected class 7, got %d", det.Class)
	}

	if diff := det.Probability - 0.72; diff > 1e-5 || diff < -1e-5 {
		t.Errorf("expected score 0.72, got %f", det.Probability)
	}

	expected := BoxRect{Left: 96, Top: 56, Right: 128, Bottom: 88}

	if det.Box != expected {
		t.Errorf("expected box %+v, got %+v", expected, det.Box)
	}
}

func TestDecodeRowSizeMismatch(t *testing.T) {

	params := YOLOXCOCOParams()
	proc := NewYOLOX(params)

	resizer := newTestResizer()
	defer resizer.Close()

	// row width of 86 does not match 5 + 80 classes
	data := make([]float32, testRows*86)

	_, err := proc.DetectObjects(data, []int64{1, testRows, 86}, resizer)

	if err == nil {
		t.Fatal("expected error for row size mismatch, got nil")
	}
}

func TestDecodeRowCountMismatch(t *testing.T) {

	params := YOLOXCOCOParams()
	proc := NewYOLOX(params)

	resizer := newTestResizer()
	defer resizer.Close()

	data := make([]float32, (testRows+1)*params.ProbBoxSize)

	_, err := proc.DetectObjects(data, []int64{1, testRows + 1, 85}, resizer)

	if err == nil {
		t.Fatal("expected error for row count mismatch, got nil")
	}
}

func TestDetectEmpty(t *testing.T) {

	params := YOLOXCOCOParams()
	proc := NewYOLOX(params)

	resizer := newTestResizer()
	defer resizer.Close()

	// all scores are zero, nothing clears the threshold
	data := newTestTensor(params)

	res, err := proc.DetectObjects(data, []int64{1, testRows, 85}, resizer)

	if err != nil {
		t.Fatalf("DetectObjects failed: %v", err)
	}

	if len(res.GetDetectResults()) != 0 {
		t.Errorf("expected empty result, got %d detections",
			len(res.GetDetectResults()))
	}
}

func TestDetectSingleCandidatePerClass(t *testing.T) {

	params := YOLOXCOCOParams()
	proc := NewYOLOX(params)

	resizer := newTestResizer()
	defer resizer.Close()

	data := newTestTensor(params)

	// one qualifying candidate each for three classes in well separated
	// grid cells, all must be kept unconditionally
	setCell(data, params, 8, 0, 0, 0.5, 0.5, 0, 0, 0.9, 0, 0.9)
	setCell(data, params, 8, 4, 4, 0.5, 0.5, 0, 0, 0.9, 1, 0.8)
	setCell(data, params, 8, 7, 7, 0.5, 0.5, 0, 0, 0.9, 2, 0.7)

	res, err := proc.DetectObjects(data, []int64{1, testRows, 85}, resizer)

	if err != nil {
		t.Fatalf("DetectObjects failed: %v", err)
	}

	dets := res.GetDetectResults()

	if len(dets) != 3 {
		t.Fatalf("expected 3 detections, got %d", len(dets))
	}

	// results are ordered by descending score
	for i := 1; i < len(dets); i++ {
		if dets[i].Probability > dets[i-1].Probability {
			t.Errorf("detections out of score order at %d: %f > %f",
				i, dets[i].Probability, dets[i-1].Probability)
		}
	}
}

func TestDetectSuppressesOverlap(t *testing.T) {

	params := YOLOXCOCOParams()
	proc := NewYOLOX(params)

	resizer := newTestResizer()
	defer resizer.Close()

	data := newTestTensor(params)

	// two near identical boxes of the same class in adjacent stride 32
	// cells, offsets chosen so both decode to a 32x32 box centered at
	// (32, 33) and (32, 34) in input space
	setCell(data, params, 32, 1, 0, 1.0, 0.03125, 0, 0, 0.9, 5, 0.9)
	setCell(data, params, 32, 1, 1, 0.0, 0.0625, 0, 0, 0.9, 5, 0.6)

	res, err := proc.DetectObjects(data, []int64{1, testRows, 85}, resizer)

	if err != nil {
		t.Fatalf("DetectObjects failed: %v", err)
	}

	dets := res.GetDetectResults()

	if len(dets) != 1 {
		t.Fatalf("expected 1 detection after suppression, got %d", len(dets))
	}

	// the higher scoring box survives
	if diff := dets[0].Probability - 0.81; diff > 1e-5 || diff < -1e-5 {
		t.Errorf("wrong box survived, score %f", dets[0].Probability)
	}
}

// TestDetectProperties checks the NMS output invariants over a populated
// candidate set: scores at or above the threshold, and no two surviving
// boxes of the same class overlapping beyond the IoU threshold
func TestDetectProperties(t *testing.T) {

	params := YOLOXCOCOParams()
	proc := NewYOLOX(params)

	resizer := newTestResizer()
	defer resizer.Close()

	data := newTestTensor(params)

	// scatter candidates of mixed classes and scores over the stride 8 grid
	for i := 0; i < 8; i++ {
		for j := 0; j < 8; j++ {
			classID := (i*8 + j) % 4
			prob := 0.2 + float32(i*8+j)*0.01
			setCell(data, params, 8, i, j, 0.5, 0.5, 1.0, 1.0, 0.9, classID, prob)
		}
	}

	res, err := proc.DetectObjects(data, []int64{1, testRows, 85}, resizer)

	if err != nil {
		t.Fatalf("DetectObjects failed: %v", err)
	}

	dets := res.GetDetectResults()

	if len(dets) == 0 {
		t.Fatal("expected detections from populated grid")
	}

	for _, det := range dets {
		if det.Probability < params.ScoreThreshold {
			t.Errorf("detection score %f below threshold %f",
				det.Probability, params.ScoreThreshold)
		}
	}

	for a := 0; a < len(dets); a++ {
		for b := a + 1; b < len(dets); b++ {

			if dets[a].Class != dets[b].Class {
				continue
			}

			iou := calculateOverlap(
				float32(dets[a].Box.Left), float32(dets[a].Box.Top),
				float32(dets[a].Box.Right), float32(dets[a].Box.Bottom),
				float32(dets[b].Box.Left), float32(dets[b].Box.Top),
				float32(dets[b].Box.Right), float32(dets[b].Box.Bottom),
			)

			if iou > params.NMSThreshold {
				t.Errorf("surviving boxes of class %d overlap with IoU %f",
					dets[a].Class, iou)
			}
		}
	}
}
