package captcha

import (
	"context"
	"strings"
	"time"

	"github.com/chrisgadekar/maharera-scraper/internal/logger"
)

// Charset is the allow-listed alphabet passed into the OCR call. The target
// site issues alphanumeric challenges only; restricting the recognizer up
// front avoids systematic misreads of similar glyphs (0/O, 1/I).
const Charset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// ExpectedLength is the character count of the site's challenges.
const ExpectedLength = 6

// Challenge is one CAPTCHA instance. It lives for a single solve attempt;
// the site invalidates the image after one submission, so retries always
// carry a fresh Challenge.
type Challenge struct {
	Image          []byte
	ExpectedLength int
	IssuedAt       time.Time
}

// SolveResult is the solver's best guess with its confidence in [0,1].
type SolveResult struct {
	Text       string
	Confidence float64
}

// Recognition is the raw output of the OCR collaborator.
type Recognition struct {
	Text           string
	CharConfidence []float64 // per character, in [0,1]
}

// Recognizer is the external OCR capability. Implementations receive the
// allow-listed charset with the call, not as a post-hoc filter.
type Recognizer interface {
	Recognize(ctx context.Context, png []byte, whitelist string) (Recognition, error)
}

// Solver turns a challenge image into a best-guess answer. It performs no
// network I/O and no retrying; a malformed image yields an empty result with
// zero confidence rather than an error, since corrupt challenges are
// expected under load.
type Solver struct {
	ocr Recognizer
	log *logger.Logger
}

func NewSolver(ocr Recognizer) *Solver {
	return &Solver{ocr: ocr, log: logger.New("CaptchaSolver")}
}

// Confidence caps. A guess whose length does not match the expected count is
// almost certainly a misread; an unknown expected length is penalized rather
// than rejected outright.
const (
	capLengthMismatch = 0.3
	capLengthUnknown  = 0.75
)

func (s *Solver) Solve(ctx context.Context, ch Challenge) SolveResult {
	processed, foreground, err := preprocess(ch.Image)
	if err != nil {
		s.log.LogDebugf("challenge image undecodable: %v", err)
		return SolveResult{}
	}
	if foreground == 0 {
		// Blank or washed-out image. Submitting anything would waste a
		// server-side attempt.
		return SolveResult{}
	}

	// Recognize both the thresholded and the raw image and keep the better
	// candidate. Distortions sometimes survive thresholding that the raw
	// scan handles, and vice versa.
	best := SolveResult{}
	for _, img := range [][]byte{processed, ch.Image} {
		rec, err := s.ocr.Recognize(ctx, img, Charset)
		if err != nil {
			s.log.LogDebugf("ocr pass failed: %v", err)
			continue
		}
		if res := score(rec, ch.ExpectedLength); res.Confidence > best.Confidence {
			best = res
		}
	}
	return best
}

func score(rec Recognition, expectedLen int) SolveResult {
	text := strings.ToUpper(strings.TrimSpace(rec.Text))
	if text == "" {
		return SolveResult{}
	}
	for _, r := range text {
		if !strings.ContainsRune(Charset, r) {
			return SolveResult{}
		}
	}

	conf := 0.5
	if len(rec.CharConfidence) > 0 {
		sum := 0.0
		for _, c := range rec.CharConfidence {
			sum += c
		}
		conf = sum / float64(len(rec.CharConfidence))
	}

	switch {
	case expectedLen <= 0:
		if conf > capLengthUnknown {
			conf = capLengthUnknown
		}
	case len(text) != expectedLen:
		if conf > capLengthMismatch {
			conf = capLengthMismatch
		}
	}
	return SolveResult{Text: text, Confidence: conf}
}
