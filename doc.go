/*
go-yoloxclient is a benchmarking client for YOLOX object detection models
served over the KServe v2 gRPC inference protocol, as exposed by OpenVINO
Model Server (OVMS) and Triton Inference Server.

It handles preprocessing of images or camera frames into the model's input
tensor format, remote inference calls, decoding of the raw output tensor
into bounding boxes via multiclass Non-Maximum Suppression, rendering of
results, and recording of per-stage timings alongside GPU utilization
samples taken from an external monitoring process.

See the benchmark command under cmd/yoloxbench for usage.
*/
package yoloxclient
