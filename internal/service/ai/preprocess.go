package ai

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	xdraw "golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"saltdetect/internal/apperr"
)

// Frame is a decoded camera frame. It only lives for the duration of one message.
type Frame struct {
	Image  *image.NRGBA
	Width  int
	Height int
	Data   []byte // Encoded bytes as received, kept for evidence snapshots
}

// Tensor is the model input: planar R, G, B channels of Size*Size values in [0,1].
type Tensor struct {
	Data []float32
	Size int
}

// NewTensor allocates a zeroed tensor, which is also the warm-up input.
func NewTensor(size int) *Tensor {
	return &Tensor{Data: make([]float32, 3*size*size), Size: size}
}

// Shape is the NCHW shape of the tensor.
func (t *Tensor) Shape() []int {
	return []int{1, 3, t.Size, t.Size}
}

// DecodePayload turns the base64 string of a frame message into raw bytes.
// A leading data URL header ("data:image/jpeg;base64,") is accepted and dropped.
func DecodePayload(payload string) ([]byte, error) {
	if strings.HasPrefix(payload, "data:") {
		if i := strings.IndexByte(payload, ','); i >= 0 {
			payload = payload[i+1:]
		}
	}
	if payload == "" {
		return nil, apperr.Wrap(apperr.ErrImageDecode, "empty frame payload")
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, apperr.Mark(apperr.Wrap(err, "base64 decode"), apperr.ErrImageDecode)
	}
	return data, nil
}

// DecodeFrame decodes JPEG, PNG, GIF, WebP or BMP bytes into an opaque NRGBA frame.
// Alpha is discarded: colour values are kept as stored, whatever their transparency.
func DecodeFrame(data []byte) (*Frame, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Mark(apperr.Wrap(err, "decode frame"), apperr.ErrImageDecode)
	}

	b := src.Bounds()
	if b.Empty() {
		return nil, apperr.Wrap(apperr.ErrImageDecode, "frame has no pixels")
	}

	img, ok := src.(*image.NRGBA)
	if !ok || b.Min != (image.Point{}) {
		img = image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		xdraw.Draw(img, img.Bounds(), src, b.Min, xdraw.Src)
	}
	dropAlpha(img)

	return &Frame{
		Image:  img,
		Width:  b.Dx(),
		Height: b.Dy(),
		Data:   data,
	}, nil
}

// dropAlpha makes every pixel opaque in place. Scaling an NRGBA source premultiplies
// by alpha, so without this transparent pixels would reach the model as black.
func dropAlpha(img *image.NRGBA) {
	for y := 0; y < img.Rect.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+img.Rect.Dx()*4]
		for i := 3; i < len(row); i += 4 {
			row[i] = 0xff
		}
	}
}

// Preprocessor builds model input tensors.
type Preprocessor struct {
	size int
}

func NewPreprocessor(size int) *Preprocessor {
	return &Preprocessor{size: size}
}

// Tensor stretches the frame to size x size (aspect ratio is not kept) and
// packs it as planar RGB scaled to [0,1].
func (p *Preprocessor) Tensor(frame *Frame) *Tensor {
	s := p.size
	resized := image.NewNRGBA(image.Rect(0, 0, s, s))
	xdraw.CatmullRom.Scale(resized, resized.Bounds(), frame.Image, frame.Image.Bounds(), xdraw.Src, nil)

	t := NewTensor(s)
	plane := s * s
	for y := 0; y < s; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < s; x++ {
			px := row[x*4:]
			i := y*s + x
			t.Data[i] = float32(px[0]) / 255
			t.Data[plane+i] = float32(px[1]) / 255
			t.Data[2*plane+i] = float32(px[2]) / 255
		}
	}
	return t
}
