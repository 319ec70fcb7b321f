package yoloxclient

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/perchvision/go-yoloxclient/perflog"
	"github.com/perchvision/go-yoloxclient/postprocess"
	"github.com/perchvision/go-yoloxclient/preprocess"
	"github.com/perchvision/go-yoloxclient/render"
	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"
)

// SessionConfig defines the parameters of an inference session
type SessionConfig struct {
	// Model is the name of the model served by the inference server
	Model string
	// InputWidth and InputHeight are the model input tensor dimensions
	InputWidth  int
	InputHeight int
	// Precision the input tensor is encoded with
	Precision Precision
	// InputName and OutputName are the model's tensor names
	InputName  string
	OutputName string
	// Labels are the object class names, in training order
	Labels []string
	// DrawThreshold is the minimum confidence score for a detection to be
	// rendered
	DrawThreshold float32
	// PostParams configure the YOLOX post processor
	PostParams postprocess.YOLOXParams
}

// Session drives the preprocess, inference, decode, NMS, and visualization
// pipeline for a batch of images or a stream of camera frames
type Session struct {
	client *Client
	cfg    SessionConfig
	proc   *postprocess.YOLOX
	font   render.Font
}

// NewSession returns a Session using the given client.  Zero config fields
// fall back to the YOLOX COCO defaults of a 416x416 FP32 input named
// "images" with output "output".
func NewSession(client *Client, cfg SessionConfig) *Session {

	if cfg.InputWidth == 0 {
		cfg.InputWidth = 416
	}

	if cfg.InputHeight == 0 {
		cfg.InputHeight = 416
	}

	if cfg.InputName == "" {
		cfg.InputName = "images"
	}

	if cfg.OutputName == "" {
		cfg.OutputName = "output"
	}

	if cfg.Labels == nil {
		cfg.Labels = COCOClasses
	}

	if cfg.DrawThreshold == 0 {
		cfg.DrawThreshold = 0.3
	}

	if len(cfg.PostParams.Strides) == 0 {
		cfg.PostParams = postprocess.YOLOXCOCOParams()
	}

	return &Session{
		client: client,
		cfg:    cfg,
		proc:   postprocess.NewYOLOX(cfg.PostParams),
		font:   render.DefaultFont(),
	}
}

// CheckServer verifies server liveness, server readiness and model
// readiness.  Failure of any check is a precondition failure that halts
// the run.
func (s *Session) CheckServer(ctx context.Context) error {
	return s.client.Ready(ctx, s.cfg.Model)
}

// Process runs one frame through preprocess, remote inference, decode and
// NMS, returning the detections in source image coordinates along with the
// stage timings
func (s *Session) Process(ctx context.Context,
	img gocv.Mat) ([]postprocess.DetectResult, perflog.TimingRecord, error) {

	var rec perflog.TimingRecord

	// preprocess, letterbox to model input size and convert to a channels
	// first tensor
	prepStart := time.Now()

	resizer := preprocess.NewResizer(img.Cols(), img.Rows(),
		s.cfg.InputWidth, s.cfg.InputHeight)
	defer resizer.Close()

	letterboxed := gocv.NewMat()
	defer letterboxed.Close()

	resizer.LetterBoxResize(img, &letterboxed, preprocess.PadColor)

	data, err := preprocess.TensorData(letterboxed)

	if err != nil {
		return nil, rec, fmt.Errorf("error preprocessing image: %w", err)
	}

	tensor, err := NewTensor(
		[]int64{1, 3, int64(s.cfg.InputHeight), int64(s.cfg.InputWidth)},
		data, s.cfg.Precision)

	if err != nil {
		return nil, rec, fmt.Errorf("error building input tensor: %w", err)
	}

	rec.PreprocessMS = msSince(prepStart)

	// remote inference
	inferStart := time.Now()

	output, err := s.client.Infer(ctx, s.cfg.Model, s.cfg.InputName, tensor,
		s.cfg.OutputName)

	rec.InferenceMS = msSince(inferStart)

	if err != nil {
		return nil, rec, err
	}

	// decode boxes and run multiclass NMS
	postStart := time.Now()

	result, err := s.proc.DetectObjects(output.Data, output.Shape, resizer)

	rec.PostprocessMS = msSince(postStart)

	if err != nil {
		return nil, rec, fmt.Errorf("error post processing output: %w", err)
	}

	return result.GetDetectResults(), rec, nil
}

// Annotate draws boxes and labels for detections at or above the draw
// threshold onto the image in place.  An empty detection set leaves the
// image untouched.
func (s *Session) Annotate(img *gocv.Mat, dets []postprocess.DetectResult) {

	draw := make([]postprocess.DetectResult, 0, len(dets))

	for _, det := range dets {
		if det.Probability >= s.cfg.DrawThreshold {
			draw = append(draw, det)
		}
	}

	if len(draw) == 0 {
		return
	}

	render.DetectionBoxes(img, draw, s.cfg.Labels, s.font, 2)
}

// ProcessFile runs one image file through the pipeline and writes the
// annotated copy under outputDir mirroring the input filename.  Reading and
// decoding the input counts towards the preprocess stage time, annotation
// and output writing towards the postprocess stage time.
func (s *Session) ProcessFile(ctx context.Context, inputPath,
	outputDir string) (perflog.TimingRecord, error) {

	readStart := time.Now()

	img := gocv.IMRead(inputPath, gocv.IMReadColor)

	if img.Empty() {
		return perflog.TimingRecord{}, fmt.Errorf("error reading image from: %s",
			inputPath)
	}

	defer img.Close()

	readMS := msSince(readStart)

	dets, rec, err := s.Process(ctx, img)

	rec.PreprocessMS += readMS

	if err != nil {
		return rec, err
	}

	visStart := time.Now()

	s.Annotate(&img, dets)

	outputPath := filepath.Join(outputDir, filepath.Base(inputPath))

	if ok := gocv.IMWrite(outputPath, img); !ok {
		return rec, fmt.Errorf("error writing image to: %s", outputPath)
	}

	rec.PostprocessMS += msSince(visStart)

	return rec, nil
}

// RunBatch processes every image in imageDir, logging one timing record per
// item and printing the per stage averages at the end.  A failing item is
// reported and the batch continues, the run only errors when no item
// succeeds.
func (s *Session) RunBatch(ctx context.Context, imageDir, outputDir string,
	logger *perflog.Logger) error {

	files, err := ListImages(imageDir)

	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no images found in %s", imageDir)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}

	failed := 0

	for i, file := range files {

		rec, err := s.ProcessFile(ctx, file, outputDir)

		if err != nil {
			log.Error().Err(err).Str("image", file).Msg("failed to process image")
			failed++
			continue
		}

		logger.Log(i+1, len(files), rec)
	}

	fmt.Println()

	prep, infer, post := perflog.Mean(logger.Records())
	fmt.Printf("Avg preprocess time: %.3f ms\n", prep)
	fmt.Printf("Avg inference time: %.3f ms\n", infer)
	fmt.Printf("Avg postprocess time: %.3f ms\n", post)

	if failed == len(files) {
		return fmt.Errorf("all %d images failed to process", failed)
	}

	if failed > 0 {
		log.Warn().Int("failed", failed).Int("total", len(files)).
			Msg("batch completed with failures")
	}

	return nil
}

// ListImages returns the png/jpg/jpeg files found in the given directory
func ListImages(dir string) ([]string, error) {

	entries, err := os.ReadDir(dir)

	if err != nil {
		return nil, fmt.Errorf("error reading image directory: %w", err)
	}

	var files []string

	for _, entry := range entries {

		if entry.IsDir() {
			continue
		}

		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".png", ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}

	return files, nil
}

// msSince returns the elapsed time since start in milliseconds
func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
