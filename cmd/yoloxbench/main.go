/*
yoloxbench benchmarks a YOLOX model served over the KServe v2 gRPC
inference protocol, either over a directory of still images or a live
camera stream.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	yoloxclient "github.com/perchvision/go-yoloxclient"
	"github.com/perchvision/go-yoloxclient/perflog"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"
)

func main() {

	url := flag.String("url", "localhost:9000", "Inference server URL")
	model := flag.String("model", "yolox_tiny_coco80_ov_fp32", "Name of the model being served")
	imageDir := flag.String("image_dir", "data/test", "Directory of images to run object detection on")
	folderName := flag.String("folder_name", "test", "Folder name for annotated images under ./output")
	inferMode := flag.String("infer_mode", "img", "Inference mode of img or cam")
	inputShape := flag.String("input_shape", "416,416", "Model input shape as H,W")
	dataType := flag.String("data_type", "FP32", "Input tensor precision of FP16 or FP32")
	labelFile := flag.String("labels", "", "Labels file with one class name per line, defaults to the COCO classes")
	camera := flag.Int("camera", 0, "Camera device id used in cam mode")
	pinCores := flag.String("pin_cores", "", "Comma separated CPU cores to pin the benchmark to, eg: 4,5,6,7")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	height, width, err := parseInputShape(*inputShape)

	if err != nil {
		log.Fatal().Err(err).Msg("invalid input shape")
	}

	precision, err := yoloxclient.ParsePrecision(*dataType)

	if err != nil {
		log.Fatal().Err(err).Msg("invalid data type")
	}

	if *pinCores != "" {
		if err := pinToCores(*pinCores); err != nil {
			log.Fatal().Err(err).Msg("failed to pin CPU cores")
		}
	}

	labels := yoloxclient.COCOClasses

	if *labelFile != "" {
		labels, err = yoloxclient.LoadLabels(*labelFile)

		if err != nil {
			log.Fatal().Err(err).Msg("failed to load labels")
		}
	}

	client, err := yoloxclient.NewClient(*url)

	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to inference server")
	}

	defer client.Close()

	session := yoloxclient.NewSession(client, yoloxclient.SessionConfig{
		Model:       *model,
		InputWidth:  width,
		InputHeight: height,
		Precision:   precision,
		Labels:      labels,
	})

	ctx := context.Background()

	// server and model readiness is a precondition, not something this
	// client manages; report and exit cleanly
	if err := session.CheckServer(ctx); err != nil {
		log.Warn().Err(err).Msg("inference server or model is not ready")
		return
	}

	metadata, err := client.ModelMetadata(ctx, *model)

	if err != nil {
		log.Warn().Err(err).Msg("failed to query model metadata")
	} else {
		log.Info().Str("model", metadata.GetName()).
			Str("platform", metadata.GetPlatform()).
			Msg("model metadata")
	}

	switch *inferMode {
	case "img":
		runImages(ctx, session, *imageDir, *folderName)

	case "cam":
		runCamera(ctx, session, *camera)

	default:
		log.Fatal().Msgf("unknown infer mode %q, must be img or cam", *inferMode)
	}
}

// runImages benchmarks the model over a directory of still images with GPU
// utilization sampling running for the duration of the batch
func runImages(ctx context.Context, session *yoloxclient.Session,
	imageDir, folderName string) {

	outputDir := filepath.Join("output", folderName)

	logger := perflog.New(perflog.Config{
		Timestamp: time.Now(),
	})

	if err := logger.Start(); err != nil {
		// benchmark runs on without utilization samples
		log.Warn().Err(err).Msg("GPU monitoring unavailable")
	}

	defer func() {
		if err := logger.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to finalize performance logs")
		}
	}()

	if err := session.RunBatch(ctx, imageDir, outputDir, logger); err != nil {
		log.Error().Err(err).Msg("batch run failed")
	}
}

// runCamera runs the pipeline over a live camera stream until q or ESC is
// pressed.  Capture and inference are strictly sequential, a slow server
// throttles the effective frame rate.
func runCamera(ctx context.Context, session *yoloxclient.Session, deviceID int) {

	webcam, err := gocv.OpenVideoCapture(deviceID)

	if err != nil {
		log.Fatal().Err(err).Int("device", deviceID).Msg("failed to open camera")
	}

	defer webcam.Close()

	window := gocv.NewWindow("camera viewer")
	defer window.Close()

	img := gocv.NewMat()
	defer img.Close()

	for {
		// errors end the stream with a return, not a fatal exit, so the
		// deferred camera and window cleanup still runs
		if ok := webcam.Read(&img); !ok {
			log.Error().Int("device", deviceID).Msg("failed to read camera frame")
			return
		}

		if img.Empty() {
			continue
		}

		dets, rec, err := session.Process(ctx, img)

		if err != nil {
			log.Error().Err(err).Msg("failed to process camera frame")
			return
		}

		session.Annotate(&img, dets)

		log.Debug().
			Float64("infer_ms", rec.InferenceMS).
			Int("detections", len(dets)).
			Msg("processed frame")

		window.IMShow(img)

		key := window.WaitKey(1)

		if key == 'q' || key == 27 {
			break
		}
	}
}

// parseInputShape splits an input shape string of "H,W" into dimensions
func parseInputShape(shape string) (height, width int, err error) {

	parts := strings.Split(shape, ",")

	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("input shape %q is not of the form H,W", shape)
	}

	height, err = strconv.Atoi(strings.TrimSpace(parts[0]))

	if err != nil {
		return 0, 0, fmt.Errorf("invalid input height: %w", err)
	}

	width, err = strconv.Atoi(strings.TrimSpace(parts[1]))

	if err != nil {
		return 0, 0, fmt.Errorf("invalid input width: %w", err)
	}

	return height, width, nil
}

// pinToCores parses a comma separated core list and pins the process to them
func pinToCores(cores string) error {

	var coreList []int

	for _, part := range strings.Split(cores, ",") {

		core, err := strconv.Atoi(strings.TrimSpace(part))

		if err != nil {
			return fmt.Errorf("invalid core number %q: %w", part, err)
		}

		coreList = append(coreList, core)
	}

	return yoloxclient.SetCPUAffinity(yoloxclient.CPUCoreMask(coreList))
}
