package ai

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"saltdetect/internal/config"
	"saltdetect/internal/logger"
)

type pred struct {
	cx, cy, w, h float32
	scores       []float32
}

// makeOutput lays predictions out as [1, 4+classes, N].
func makeOutput(numClasses int, preds ...pred) *Output {
	channels := 4 + numClasses
	n := len(preds)
	data := make([]float32, channels*n)
	for i, p := range preds {
		data[i] = p.cx
		data[n+i] = p.cy
		data[2*n+i] = p.w
		data[3*n+i] = p.h
		for c, s := range p.scores {
			data[(4+c)*n+i] = s
		}
	}
	return &Output{Data: data, Shape: []int{1, channels, n}}
}

type fakeModel struct {
	mu     sync.Mutex
	out    *Output
	err    error
	calls  int
	inputs []*Tensor
	closed bool
	block  chan struct{}
}

func (m *fakeModel) Infer(ctx context.Context, input *Tensor) (*Output, error) {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.inputs = append(m.inputs, input)
	if m.err != nil {
		return nil, m.err
	}
	if m.out == nil {
		return &Output{Data: make([]float32, 7), Shape: []int{1, 7, 1}}, nil
	}
	return m.out, nil
}

func (m *fakeModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		ModelPath:           "models/test.onnx",
		InputSize:           32,
		NumClasses:          3,
		ConfidenceThreshold: 0.5,
		IoUThreshold:        0.45,
	}
}

func loadedEngine(t *testing.T, m *fakeModel) *Engine {
	t.Helper()
	e := NewEngine(testConfig(), logger.NewNop(), nil)
	require.NoError(t, e.Load(context.Background(), func() (Model, error) { return m, nil }))
	return e
}

func solidImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
