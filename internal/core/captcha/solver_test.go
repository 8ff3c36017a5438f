package captcha

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecognizer struct {
	text  string
	confs []float64
	calls int
}

func (f *fakeRecognizer) Recognize(_ context.Context, _ []byte, whitelist string) (Recognition, error) {
	f.calls++
	if whitelist != Charset {
		panic("whitelist not passed through to the OCR call")
	}
	return Recognition{Text: f.text, CharConfidence: f.confs}, nil
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// blankImage is uniform white: no foreground after thresholding.
func blankImage(t *testing.T) []byte {
	img := image.NewGray(image.Rect(0, 0, 120, 40))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	return encodePNG(t, img)
}

// glyphImage draws solid dark blocks wide enough to survive the 3x3 opening.
func glyphImage(t *testing.T) []byte {
	img := image.NewGray(image.Rect(0, 0, 120, 40))
	for i := range img.Pix {
		img.Pix[i] = 240
	}
	for g := 0; g < 6; g++ {
		x0 := 5 + g*18
		for y := 8; y < 32; y++ {
			for x := x0; x < x0+10; x++ {
				img.SetGray(x, y, color.Gray{Y: 10})
			}
		}
	}
	return encodePNG(t, img)
}

func TestSolveBlankImageZeroConfidence(t *testing.T) {
	rec := &fakeRecognizer{text: "ABC123", confs: []float64{0.9, 0.9, 0.9, 0.9, 0.9, 0.9}}
	s := NewSolver(rec)

	res := s.Solve(context.Background(), Challenge{Image: blankImage(t), ExpectedLength: ExpectedLength})
	assert.Empty(t, res.Text)
	assert.Zero(t, res.Confidence)
	assert.Zero(t, rec.calls, "blank foreground must not reach the recognizer")
}

func TestSolveCorruptImageZeroConfidence(t *testing.T) {
	s := NewSolver(&fakeRecognizer{})
	res := s.Solve(context.Background(), Challenge{Image: []byte("not an image")})
	assert.Empty(t, res.Text)
	assert.Zero(t, res.Confidence)
}

func TestSolveKnownTextAboveThreshold(t *testing.T) {
	rec := &fakeRecognizer{text: "a7k2m9", confs: []float64{0.95, 0.92, 0.97, 0.9, 0.93, 0.96}}
	s := NewSolver(rec)

	res := s.Solve(context.Background(), Challenge{Image: glyphImage(t), ExpectedLength: 6})
	assert.Equal(t, "A7K2M9", res.Text)
	assert.Greater(t, res.Confidence, 0.6)
}

func TestSolveLengthMismatchCapsConfidence(t *testing.T) {
	rec := &fakeRecognizer{text: "A7K2M", confs: []float64{0.99, 0.99, 0.99, 0.99, 0.99}}
	s := NewSolver(rec)

	res := s.Solve(context.Background(), Challenge{Image: glyphImage(t), ExpectedLength: 6})
	assert.Equal(t, "A7K2M", res.Text)
	assert.LessOrEqual(t, res.Confidence, capLengthMismatch)
}

func TestSolveUnknownLengthPenalized(t *testing.T) {
	rec := &fakeRecognizer{text: "A7K2M9", confs: []float64{0.99, 0.99, 0.99, 0.99, 0.99, 0.99}}
	s := NewSolver(rec)

	res := s.Solve(context.Background(), Challenge{Image: glyphImage(t)})
	assert.Equal(t, "A7K2M9", res.Text)
	assert.LessOrEqual(t, res.Confidence, capLengthUnknown)
	assert.Greater(t, res.Confidence, 0.0)
}

func TestScoreRejectsNonCharsetText(t *testing.T) {
	res := score(Recognition{Text: "AB#12!", CharConfidence: []float64{1, 1, 1, 1, 1, 1}}, 6)
	assert.Zero(t, res.Confidence)
	assert.Empty(t, res.Text)
}

func TestPreprocessRemovesSpeckleNoise(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 60, 20))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	// lone dark pixels only: all should be opened away
	img.SetGray(5, 5, color.Gray{Y: 0})
	img.SetGray(30, 12, color.Gray{Y: 0})

	_, foreground, err := preprocess(encodePNG(t, img))
	require.NoError(t, err)
	assert.Zero(t, foreground)
}
