package yoloxclient

import (
	"context"
	"fmt"
	"time"

	triton "github.com/sunhailin-Leo/triton-service-go/v2/nvidia_inferenceserver"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultRPCTimeout is the per call timeout applied to server queries when
// the passed context carries no deadline of its own
const DefaultRPCTimeout = 10 * time.Second

// Client wraps a gRPC connection to an inference server speaking the
// KServe v2 protocol
type Client struct {
	conn *grpc.ClientConn
	// service is the generated KServe v2 inference service client
	service triton.GRPCInferenceServiceClient
	// timeout applied to each RPC when the caller provides none
	timeout time.Duration
}

// NewClient connects to the inference server at the given url, eg:
// localhost:9000
func NewClient(url string) (*Client, error) {

	conn, err := grpc.Dial(url,
		grpc.WithTransportCredentials(insecure.NewCredentials()))

	if err != nil {
		return nil, fmt.Errorf("error connecting to inference server at %s: %w",
			url, err)
	}

	return &Client{
		conn:    conn,
		service: triton.NewGRPCInferenceServiceClient(conn),
		timeout: DefaultRPCTimeout,
	}, nil
}

// Close shuts down the connection to the inference server
func (c *Client) Close() error {
	return c.conn.Close()
}

// callContext applies the default timeout to contexts without a deadline
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {

	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.timeout)
}

// ServerLive queries if the inference server is live
func (c *Client) ServerLive(ctx context.Context) (bool, error) {

	ctx, cancel := c.callContext(ctx)
	defer cancel()

	res, err := c.service.ServerLive(ctx, &triton.ServerLiveRequest{})

	if err != nil {
		return false, fmt.Errorf("server live request failed: %w", err)
	}

	return res.GetLive(), nil
}

// ServerReady queries if the inference server is ready to receive requests
func (c *Client) ServerReady(ctx context.Context) (bool, error) {

	ctx, cancel := c.callContext(ctx)
	defer cancel()

	res, err := c.service.ServerReady(ctx, &triton.ServerReadyRequest{})

	if err != nil {
		return false, fmt.Errorf("server ready request failed: %w", err)
	}

	return res.GetReady(), nil
}

// ModelReady queries if the named model is loaded and ready for inference
func (c *Client) ModelReady(ctx context.Context, model string) (bool, error) {

	ctx, cancel := c.callContext(ctx)
	defer cancel()

	res, err := c.service.ModelReady(ctx, &triton.ModelReadyRequest{
		Name: model,
	})

	if err != nil {
		return false, fmt.Errorf("model ready request failed: %w", err)
	}

	return res.GetReady(), nil
}

// Ready checks server liveness, server readiness, and readiness of the named
// model.  Any check coming back false results in an error describing which
// precondition failed.
func (c *Client) Ready(ctx context.Context, model string) error {

	live, err := c.ServerLive(ctx)

	if err != nil {
		return err
	}

	if !live {
		return fmt.Errorf("inference server is not live")
	}

	ready, err := c.ServerReady(ctx)

	if err != nil {
		return err
	}

	if !ready {
		return fmt.Errorf("inference server is not ready")
	}

	modelReady, err := c.ModelReady(ctx, model)

	if err != nil {
		return err
	}

	if !modelReady {
		return fmt.Errorf("model %s is not ready", model)
	}

	return nil
}

// ModelMetadata queries the server for the named model's metadata describing
// its input and output tensors
func (c *Client) ModelMetadata(ctx context.Context,
	model string) (*triton.ModelMetadataResponse, error) {

	ctx, cancel := c.callContext(ctx)
	defer cancel()

	res, err := c.service.ModelMetadata(ctx, &triton.ModelMetadataRequest{
		Name: model,
	})

	if err != nil {
		return nil, fmt.Errorf("model metadata request failed: %w", err)
	}

	return res, nil
}
