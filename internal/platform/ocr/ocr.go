package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/chrisgadekar/maharera-scraper/internal/core/captcha"
	"github.com/chrisgadekar/maharera-scraper/internal/logger"

	"github.com/otiai10/gosseract/v2"
)

// Tesseract recognizes challenge text with the tesseract engine. A fresh
// client is created per call because the underlying API is not safe for
// concurrent use.
type Tesseract struct {
	log *logger.Logger
}

func NewTesseract() *Tesseract {
	return &Tesseract{log: logger.New("TesseractOCR")}
}

func (t *Tesseract) Recognize(ctx context.Context, img []byte, whitelist string) (captcha.Recognition, error) {
	if err := ctx.Err(); err != nil {
		return captcha.Recognition{}, err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		return captcha.Recognition{}, fmt.Errorf("failed to set segmentation mode: %w", err)
	}
	if err := client.SetWhitelist(whitelist); err != nil {
		return captcha.Recognition{}, fmt.Errorf("failed to set whitelist: %w", err)
	}
	if err := client.SetImageFromBytes(img); err != nil {
		return captcha.Recognition{}, fmt.Errorf("failed to load image: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_SYMBOL)
	if err == nil && len(boxes) > 0 {
		var b strings.Builder
		conf := make([]float64, 0, len(boxes))
		for _, box := range boxes {
			word := strings.TrimSpace(box.Word)
			if word == "" {
				continue
			}
			b.WriteString(word)
			conf = append(conf, box.Confidence/100.0)
		}
		if b.Len() > 0 {
			return captcha.Recognition{Text: b.String(), CharConfidence: conf}, nil
		}
	}

	// Symbol boxes can come back empty on noisy images, fall back to plain text.
	text, err := client.Text()
	if err != nil {
		return captcha.Recognition{}, fmt.Errorf("recognition failed: %w", err)
	}
	return captcha.Recognition{Text: strings.TrimSpace(text)}, nil
}
