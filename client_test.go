package yoloxclient

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/perchvision/go-yoloxclient/postprocess"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	triton "github.com/sunhailin-Leo/triton-service-go/v2/nvidia_inferenceserver"
	"gocv.io/x/gocv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// fakeInferenceServer is an in-process KServe v2 server used to exercise the
// client without a real inference backend
type fakeInferenceServer struct {
	triton.UnimplementedGRPCInferenceServiceServer

	live       bool
	ready      bool
	modelReady bool
	// output tensor returned from ModelInfer
	outputShape []int64
	outputData  []float32
	// last inference request received
	lastRequest *triton.ModelInferRequest
}

func (f *fakeInferenceServer) ServerLive(ctx context.Context,
	req *triton.ServerLiveRequest) (*triton.ServerLiveResponse, error) {
	return &triton.ServerLiveResponse{Live: f.live}, nil
}

func (f *fakeInferenceServer) ServerReady(ctx context.Context,
	req *triton.ServerReadyRequest) (*triton.ServerReadyResponse, error) {
	return &triton.ServerReadyResponse{Ready: f.ready}, nil
}

func (f *fakeInferenceServer) ModelReady(ctx context.Context,
	req *triton.ModelReadyRequest) (*triton.ModelReadyResponse, error) {
	return &triton.ModelReadyResponse{Ready: f.modelReady}, nil
}

func (f *fakeInferenceServer) ModelMetadata(ctx context.Context,
	req *triton.ModelMetadataRequest) (*triton.ModelMetadataResponse, error) {
	return &triton.ModelMetadataResponse{
		Name:     req.GetName(),
		Platform: "openvino",
	}, nil
}

func (f *fakeInferenceServer) ModelInfer(ctx context.Context,
	req *triton.ModelInferRequest) (*triton.ModelInferResponse, error) {

	f.lastRequest = req

	out, err := NewTensor(f.outputShape, f.outputData, FP32)

	if err != nil {
		return nil, err
	}

	return &triton.ModelInferResponse{
		ModelName: req.GetModelName(),
		Outputs: []*triton.ModelInferResponse_InferOutputTensor{
			{
				Name:     req.GetOutputs()[0].GetName(),
				Datatype: "FP32",
				Shape:    f.outputShape,
			},
		},
		RawOutputContents: [][]byte{out.Raw()},
	}, nil
}

// newFakeClient starts an in-process server over bufconn and returns a
// Client connected to it
func newFakeClient(t *testing.T, fake *fakeInferenceServer) *Client {

	t.Helper()

	listener := bufconn.Listen(1024 * 1024)

	server := grpc.NewServer()
	triton.RegisterGRPCInferenceServiceServer(server, fake)

	go server.Serve(listener)

	t.Cleanup(server.Stop)

	conn, err := grpc.Dial("bufnet",
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			return listener.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))

	require.NoError(t, err)

	t.Cleanup(func() { conn.Close() })

	return &Client{
		conn:    conn,
		service: triton.NewGRPCInferenceServiceClient(conn),
		timeout: 5 * time.Second,
	}
}

func TestClientReady(t *testing.T) {

	client := newFakeClient(t, &fakeInferenceServer{
		live:       true,
		ready:      true,
		modelReady: true,
	})

	assert.NoError(t, client.Ready(context.Background(), "yolox"))
}

func TestClientReadyModelNotLoaded(t *testing.T) {

	client := newFakeClient(t, &fakeInferenceServer{
		live:  true,
		ready: true,
	})

	err := client.Ready(context.Background(), "yolox")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "yolox")
}

func TestClientReadyServerDown(t *testing.T) {

	client := newFakeClient(t, &fakeInferenceServer{})

	assert.Error(t, client.Ready(context.Background(), "yolox"))
}

func TestClientModelMetadata(t *testing.T) {

	client := newFakeClient(t, &fakeInferenceServer{})

	metadata, err := client.ModelMetadata(context.Background(), "yolox")

	require.NoError(t, err)
	assert.Equal(t, "yolox", metadata.GetName())
	assert.Equal(t, "openvino", metadata.GetPlatform())
}

func TestClientInfer(t *testing.T) {

	fake := &fakeInferenceServer{
		outputShape: []int64{1, 4},
		outputData:  []float32{1, 2, 3, 4},
	}

	client := newFakeClient(t, fake)

	input, err := NewTensor([]int64{1, 3, 2, 2}, make([]float32, 12), FP16)
	require.NoError(t, err)

	output, err := client.Infer(context.Background(), "yolox", "images",
		input, "output")

	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, output.Data)
	assert.Equal(t, []int64{1, 4}, output.Shape)

	// request carried the encoded input tensor
	req := fake.lastRequest
	require.NotNil(t, req)
	assert.Equal(t, "yolox", req.GetModelName())
	assert.Equal(t, "images", req.GetInputs()[0].GetName())
	assert.Equal(t, "FP16", req.GetInputs()[0].GetDatatype())
	assert.Equal(t, []int64{1, 3, 2, 2}, req.GetInputs()[0].GetShape())
	require.Len(t, req.GetRawInputContents(), 1)
	assert.Len(t, req.GetRawInputContents()[0], 24)
}

// TestSessionProcess runs a frame end to end against the fake server using a
// synthetic YOLOX output with a single planted detection
func TestSessionProcess(t *testing.T) {

	params := postprocess.YOLOXCOCOParams()

	// 64x64 input over strides 8/16/32 gives 84 grid cells.  Plant one
	// candidate at stride 16 cell (2, 3) decoding to a 16x16 box centered
	// at (56, 36) in input space.
	const rows = 84

	data := make([]float32, rows*params.ProbBoxSize)
	row := 64 + 2*4 + 3
	rec := data[row*params.ProbBoxSize : (row+1)*params.ProbBoxSize]
	rec[0] = 0.5
	rec[1] = 0.25
	rec[4] = 0.9
	rec[5+7] = 0.8

	fake := &fakeInferenceServer{
		live:        true,
		ready:       true,
		modelReady:  true,
		outputShape: []int64{1, rows, int64(params.ProbBoxSize)},
		outputData:  data,
	}

	client := newFakeClient(t, fake)

	session := NewSession(client, SessionConfig{
		Model:       "yolox",
		InputWidth:  64,
		InputHeight: 64,
	})

	require.NoError(t, session.CheckServer(context.Background()))

	// source frame of 128x128 descales detections by a factor of 0.5
	img := gocv.NewMatWithSize(128, 128, gocv.MatTypeCV8UC3)
	defer img.Close()

	dets, timing, err := session.Process(context.Background(), img)

	require.NoError(t, err)
	require.Len(t, dets, 1)

	assert.Equal(t, 7, dets[0].Class)
	assert.InDelta(t, 0.72, float64(dets[0].Probability), 1e-5)
	assert.Equal(t, postprocess.BoxRect{Left: 96, Top: 56, Right: 128, Bottom: 88},
		dets[0].Box)

	assert.Greater(t, timing.InferenceMS, 0.0)

	// annotation of a frame with detections must not panic and leaves the
	// frame dimensions untouched
	session.Annotate(&img, dets)
	assert.Equal(t, 128, img.Cols())
}

// TestSessionProcessFileTimesRead checks file processing from disk: the
// timing record charges reading and decoding the image file to the
// preprocess stage, and the annotated copy lands under the output directory
func TestSessionProcessFileTimesRead(t *testing.T) {

	params := postprocess.YOLOXCOCOParams()

	fake := &fakeInferenceServer{
		live:        true,
		ready:       true,
		modelReady:  true,
		outputShape: []int64{1, 84, int64(params.ProbBoxSize)},
		outputData:  make([]float32, 84*params.ProbBoxSize),
	}

	client := newFakeClient(t, fake)

	session := NewSession(client, SessionConfig{
		Model:       "yolox",
		InputWidth:  64,
		InputHeight: 64,
	})

	dir := t.TempDir()
	inputPath := filepath.Join(dir, "frame.png")
	outputDir := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(outputDir, 0755))

	img := gocv.NewMatWithSize(128, 128, gocv.MatTypeCV8UC3)
	defer img.Close()
	require.True(t, gocv.IMWrite(inputPath, img))

	rec, err := session.ProcessFile(context.Background(), inputPath, outputDir)

	require.NoError(t, err)

	// the preprocess window opens before the image file is read, so its
	// duration covers decode plus letterbox and tensor conversion
	assert.Greater(t, rec.PreprocessMS, 0.0)
	assert.Greater(t, rec.InferenceMS, 0.0)

	_, err = os.Stat(filepath.Join(outputDir, "frame.png"))
	assert.NoError(t, err)
}

func TestSessionProcessFileUnreadable(t *testing.T) {

	client := newFakeClient(t, &fakeInferenceServer{})

	session := NewSession(client, SessionConfig{Model: "yolox"})

	_, err := session.ProcessFile(context.Background(),
		filepath.Join(t.TempDir(), "missing.png"), t.TempDir())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.png")
}
