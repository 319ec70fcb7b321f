package preprocess

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// PadColor is the gray used to pad out the letterboxed image, matching the
// padding value YOLOX models are trained with
var PadColor = color.RGBA{R: 114, G: 114, B: 114, A: 255}

// Resizer defines the struct used for handling image resizing
type Resizer struct {
	// srcWidth is the width of the source image
	srcWidth int
	// srcHeight is the height of the source image
	srcHeight int
	// destWidth is the width to scale to
	destWidth int
	// destHeight is the height to scale to
	destHeight int
	// tempMat is a Mat used during the resize process
	tempMat gocv.Mat
	// letterbox parameters used in scaling
	xPad  int
	yPad  int
	scale float32
	// resize dimensions
	resizeW int
	resizeH int
}

// NewResizer returns a resizer used for scaling an image to the needed
// dimensions for input tensor size.  The image is placed in the top left
// corner with padding applied to the right and bottom edges, the same
// letterbox layout YOLOX uses at training time.
func NewResizer(srcWidth, srcHeight, destWidth, destHeight int) *Resizer {
	r := &Resizer{
		srcWidth:   srcWidth,
		srcHeight:  srcHeight,
		destWidth:  destWidth,
		destHeight: destHeight,
		tempMat:    gocv.NewMat(),
	}

	// precalculate scaling dimensions
	r.preCalc()

	return r
}

// Close frees memory allocated during resize process
func (r *Resizer) Close() error {
	return r.tempMat.Close()
}

// preCalc the scaling factors for source and destination Mats
func (r *Resizer) preCalc() {

	r.resizeW = r.destWidth
	r.resizeH = r.destHeight

	scaleW := float32(r.destWidth) / float32(r.srcWidth)
	scaleH := float32(r.destHeight) / float32(r.srcHeight)
	r.scale = scaleH

	if scaleW < scaleH {
		r.scale = scaleW
		r.resizeH = int(float32(r.srcHeight) * r.scale)
	} else {
		r.resizeW = int(float32(r.srcWidth) * r.scale)
	}

	// image sits in the top left corner so origin offsets are zero
	r.xPad = 0
	r.yPad = 0
}

// LetterBoxResize resizes the input image to the dimensions needed for the
// input tensor size whilst maintaining image aspect.  Color is that used for
// letter box padding.
func (r *Resizer) LetterBoxResize(src gocv.Mat, dest *gocv.Mat, color color.RGBA) {

	gocv.Resize(src, &r.tempMat, image.Pt(r.resizeW, r.resizeH),
		0, 0, gocv.InterpolationArea)

	gocv.CopyMakeBorder(r.tempMat, dest, r.yPad, r.destHeight-r.resizeH-r.yPad,
		r.xPad, r.destWidth-r.resizeW-r.xPad, gocv.BorderConstant, color)
}

// ScaleFactor returns the scale factor used in letterbox resize
func (r *Resizer) ScaleFactor() float32 {
	return r.scale
}

// XPad returns the x origin offset of the image in the letterbox
func (r *Resizer) XPad() int {
	return r.xPad
}

// YPad returns the y origin offset of the image in the letterbox
func (r *Resizer) YPad() int {
	return r.yPad
}

// SrcWidth returns the width of the source image
func (r *Resizer) SrcWidth() int {
	return r.srcWidth
}

// SrcHeight returns the height of the source image
func (r *Resizer) SrcHeight() int {
	return r.srcHeight
}

// DestWidth returns the width of the model input
func (r *Resizer) DestWidth() int {
	return r.destWidth
}

// DestHeight returns the height of the model input
func (r *Resizer) DestHeight() int {
	return r.destHeight
}

// TensorData converts an 8-bit 3 channel Mat into a channels first (CHW)
// float32 buffer.  No normalization is applied, YOLOX takes raw 0-255 BGR
// pixel values.
func TensorData(img gocv.Mat) ([]float32, error) {

	if img.Channels() != 3 {
		return nil, fmt.Errorf("expected 3 channel image, got %d channels",
			img.Channels())
	}

	if !img.IsContinuous() {
		img = img.Clone()
		defer img.Close()
	}

	pixels, err := img.DataPtrUint8()

	if err != nil {
		return nil, fmt.Errorf("error getting data pointer to Mat: %w", err)
	}

	rows := img.Rows()
	cols := img.Cols()
	plane := rows * cols

	data := make([]float32, 3*plane)

	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			idx := (y*cols + x) * 3
			pos := y*cols + x

			data[pos] = float32(pixels[idx])
			data[plane+pos] = float32(pixels[idx+1])
			data[2*plane+pos] = float32(pixels[idx+2])
		}
	}

	return data, nil
}
