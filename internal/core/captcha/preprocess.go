package captcha

import (
	"bytes"
	"image"
	"image/color"
	"image/png"

	_ "image/gif"
	_ "image/jpeg"
)

// preprocess converts a raw challenge raster into a binary thresholded PNG:
// grayscale, Otsu threshold to split glyphs from background, then a 3x3
// morphological opening to drop speckle noise narrower than the challenge
// font's stroke width. Deterministic and side-effect-free.
//
// Returns the encoded image and the surviving foreground pixel count. A
// count of zero means the image is blank or corrupt.
func preprocess(raw []byte) ([]byte, int, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, 0, err
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, 0, nil
	}

	gray := make([]uint8, w*h)
	var hist [256]int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.GrayModel.Convert(src.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
			gray[y*w+x] = c.Y
			hist[c.Y]++
		}
	}

	threshold := otsu(hist[:], w*h)

	// Dark pixels are glyph foreground.
	mask := make([]bool, w*h)
	for i, v := range gray {
		mask[i] = int(v) < threshold
	}

	mask = opened(mask, w, h)

	foreground := 0
	out := image.NewGray(image.Rect(0, 0, w, h))
	for i, on := range mask {
		if on {
			foreground++
			out.Pix[i] = 0
		} else {
			out.Pix[i] = 255
		}
	}
	if foreground == 0 {
		return nil, 0, nil
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), foreground, nil
}

// otsu picks the threshold maximizing between-class variance of the
// intensity histogram.
func otsu(hist []int, total int) int {
	if total == 0 {
		return 0
	}
	var sum float64
	for i, n := range hist {
		sum += float64(i) * float64(n)
	}

	var sumB, wB float64
	best, bestVar := 127, -1.0
	for t := 0; t < 256; t++ {
		wB += float64(hist[t])
		if wB == 0 {
			continue
		}
		wF := float64(total) - wB
		if wF == 0 {
			break
		}
		sumB += float64(t) * float64(hist[t])
		mB := sumB / wB
		mF := (sum - sumB) / wF
		v := wB * wF * (mB - mF) * (mB - mF)
		if v > bestVar {
			bestVar = v
			best = t
		}
	}
	return best
}

// opened applies a 3x3 erosion followed by a 3x3 dilation. Specks narrower
// than the structuring element vanish; glyph strokes survive.
func opened(mask []bool, w, h int) []bool {
	return dilate(erode(mask, w, h), w, h)
}

func erode(mask []bool, w, h int) []bool {
	out := make([]bool, len(mask))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			all := true
			for dy := -1; dy <= 1 && all; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || nx >= w || ny < 0 || ny >= h || !mask[ny*w+nx] {
						all = false
						break
					}
				}
			}
			out[y*w+x] = all
		}
	}
	return out
}

func dilate(mask []bool, w, h int) []bool {
	out := make([]bool, len(mask))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			set := false
			for dy := -1; dy <= 1 && !set; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx >= 0 && nx < w && ny >= 0 && ny < h && mask[ny*w+nx] {
						set = true
						break
					}
				}
			}
			out[y*w+x] = set
		}
	}
	return out
}
