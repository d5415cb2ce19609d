// Package onnx runs the detection model with the OpenCV DNN module.
package onnx

import (
	"context"
	"os"

	"gocv.io/x/gocv"

	"saltdetect/internal/apperr"
	"saltdetect/internal/config"
	"saltdetect/internal/logger"
	"saltdetect/internal/service/ai"
)

// Net is a fixed pool of OpenCV networks loaded from the same ONNX file.
// A gocv.Net is not safe for concurrent Forward calls, so each call borrows one.
type Net struct {
	pool   chan *gocv.Net
	nets   []*gocv.Net
	logger *logger.Logger
}

// Loader returns an ai.Loader that opens one network per processing worker.
func Loader(config *config.Config, logger *logger.Logger) ai.Loader {
	return func() (ai.Model, error) {
		return Open(config.ModelPath, config.ProcessingWorkers, logger)
	}
}

// Open loads size copies of the model at path.
func Open(path string, size int, logger *logger.Logger) (*Net, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, apperr.Wrapf(err, "model file %s", path)
	}
	if size < 1 {
		size = 1
	}

	n := &Net{
		pool:   make(chan *gocv.Net, size),
		logger: logger,
	}

	for i := 0; i < size; i++ {
		net := gocv.ReadNetFromONNX(path)
		if net.Empty() {
			n.Close()
			return nil, apperr.Newf("failed to load network from %s", path)
		}

		errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
		errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
		if errBackend != nil || errTarget != nil {
			net.Close()
			n.Close()
			return nil, apperr.New("failed to set preferable backend or target")
		}

		n.nets = append(n.nets, &net)
		n.pool <- &net
	}

	logger.Info("Loaded %d detection network(s) from %s", size, path)
	return n, nil
}

type forwardResult struct {
	out *ai.Output
	err error
}

// Infer borrows a network from the pool and runs one forward pass.
// When ctx ends first the call returns early and the network goes back to the pool once it finishes.
func (n *Net) Infer(ctx context.Context, input *ai.Tensor) (*ai.Output, error) {
	var net *gocv.Net
	select {
	case net = <-n.pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	done := make(chan forwardResult, 1)
	go func() {
		out, err := forward(net, input)
		n.pool <- net
		done <- forwardResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func forward(net *gocv.Net, input *ai.Tensor) (*ai.Output, error) {
	blob := gocv.NewMatWithSizes(input.Shape(), gocv.MatTypeCV32F)
	defer blob.Close()

	data, err := blob.DataPtrFloat32()
	if err != nil {
		return nil, apperr.Wrap(err, "input blob")
	}
	copy(data, input.Data)

	net.SetInput(blob, "")
	output := net.Forward("")
	defer output.Close()

	if output.Empty() {
		return nil, apperr.New("network returned an empty output")
	}

	values, err := output.DataPtrFloat32()
	if err != nil {
		return nil, apperr.Wrap(err, "read output")
	}

	out := &ai.Output{
		Data:  make([]float32, len(values)),
		Shape: output.Size(),
	}
	copy(out.Data, values)
	return out, nil
}

// Close releases every network in the pool.
func (n *Net) Close() error {
	for _, net := range n.nets {
		net.Close()
	}
	n.nets = nil
	return nil
}
