package yoloxclient

import (
	"context"
	"fmt"

	triton "github.com/sunhailin-Leo/triton-service-go/v2/nvidia_inferenceserver"
)

// Output holds a single named output tensor returned by the inference
// server, with its contents decoded to float32
type Output struct {
	// Name of the output tensor
	Name string
	// Shape of the output tensor, eg: [1, 3549, 85]
	Shape []int64
	// Data is the tensor contents in row-major order
	Data []float32
}

// Infer runs inference of the input tensor on the named model and returns
// the requested output tensor.  The input is encoded at the tensor's
// precision and sent through the request's raw contents.
func (c *Client) Infer(ctx context.Context, model string, inputName string,
	input *Tensor, outputName string) (*Output, error) {

	ctx, cancel := c.callContext(ctx)
	defer cancel()

	req := &triton.ModelInferRequest{
		ModelName: model,
		Inputs: []*triton.ModelInferRequest_InferInputTensor{
			{
				Name:     inputName,
				Datatype: input.Precision.String(),
				Shape:    input.Shape,
			},
		},
		Outputs: []*triton.ModelInferRequest_InferRequestedOutputTensor{
			{
				Name: outputName,
			},
		},
		RawInputContents: [][]byte{input.Raw()},
	}

	res, err := c.service.ModelInfer(ctx, req)

	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}

	return extractOutput(res, outputName)
}

// extractOutput locates the named tensor in an inference response and
// decodes its contents to float32
func extractOutput(res *triton.ModelInferResponse, name string) (*Output, error) {

	for i, out := range res.GetOutputs() {

		if out.GetName() != name {
			continue
		}

		output := &Output{
			Name:  out.GetName(),
			Shape: out.GetShape(),
		}

		raws := res.GetRawOutputContents()

		if i < len(raws) && len(raws[i]) > 0 {
			// server returned tensor data in the raw contents
			data, err := decodeRaw(raws[i], out.GetDatatype())

			if err != nil {
				return nil, fmt.Errorf("error decoding output tensor %s: %w",
					name, err)
			}

			output.Data = data

		} else if contents := out.GetContents(); contents != nil {
			output.Data = contents.GetFp32Contents()
		}

		if int64(len(output.Data)) != volume(output.Shape) {
			return nil, fmt.Errorf("output tensor %s has %d elements but shape %v",
				name, len(output.Data), output.Shape)
		}

		return output, nil
	}

	return nil, fmt.Errorf("response contains no output tensor named %s", name)
}
