// Package imageops is the read-only image analysis leaf used by candidate
// scoring: it decodes a produced image and derives the size/alpha/boundary
// statistics the acceptance gate and the heuristic score consume.
//
// Notes:
//   - Analysis never mutates or rewrites the candidate file.
//   - Decoding covers the formats backends emit (png, jpg, webp). Anything
//     else fails decode and is reported as such by the caller.
package imageops

import (
	"fmt"
	"image"
	"math"
	"os"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// Stats is the full analysis result for one candidate file.
type Stats struct {
	Width  int
	Height int

	// Format is the decoded container format ("png", "jpg", "webp").
	Format string

	FileBytes int64

	// HasAlphaChannel reports whether the decoded representation can carry
	// per-pixel alpha at all (a JPEG never can).
	HasAlphaChannel bool

	// NonOpaquePixels counts pixels with alpha below full opacity.
	NonOpaquePixels int

	Alpha     AlphaStats
	Histogram HistogramStats
}

// AlphaStats are boundary-artifact heuristics computed from the alpha
// channel. All values are in [0, 1].
type AlphaStats struct {
	// HaloRisk is the share of semi-transparent pixels among all visible
	// pixels; soft fringes around a cutout push it up.
	HaloRisk float64

	// StrayNoise is the share of isolated visible pixels (no visible
	// 8-neighbor) among all visible pixels.
	StrayNoise float64

	// EdgeSharpness is the mean alpha gradient magnitude across boundary
	// pixels; a crisp mask approaches 1.
	EdgeSharpness float64
}

// HistogramStats are luminance-distribution heuristics.
type HistogramStats struct {
	// Contrast is the luminance standard deviation normalized to [0, 1].
	Contrast float64

	// Flatness is the normalized entropy of the luminance histogram; a
	// single-color image is 0, white noise approaches 1.
	Flatness float64
}

const histogramBins = 64

// Analyze decodes path and computes all statistics in one pass over the
// pixels.
func Analyze(path string) (*Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open candidate: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat candidate: %w", err)
	}

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode candidate %s: %w", path, err)
	}

	b := img.Bounds()
	st := &Stats{
		Width:           b.Dx(),
		Height:          b.Dy(),
		Format:          normalizeFormat(format),
		FileBytes:       fi.Size(),
		HasAlphaChannel: modelCarriesAlpha(img),
	}

	alpha, lum := samplePlanes(img)
	st.NonOpaquePixels = countNonOpaque(alpha)
	st.Alpha = alphaStats(alpha, st.Width, st.Height)
	st.Histogram = histogramStats(lum)
	return st, nil
}

func normalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "jpeg" {
		return "jpg"
	}
	return format
}

// CanDecode reports whether Analyze can decode candidates in the given
// container format. Backends must not advertise output formats this
// rejects, or every candidate they produce would fail scoring.
func CanDecode(format string) bool {
	switch normalizeFormat(format) {
	case "png", "jpg", "webp":
		return true
	}
	return false
}

// modelCarriesAlpha reports whether the decoded pixel representation has an
// alpha plane. JPEG decodes to YCbCr and can never carry one; PNG decodes
// to an alpha-capable model only when the file declares alpha.
func modelCarriesAlpha(img image.Image) bool {
	switch m := img.(type) {
	case *image.NRGBA, *image.NRGBA64, *image.RGBA64, *image.Alpha, *image.Alpha16:
		return true
	case *image.RGBA:
		// The png decoder uses RGBA for truecolor-without-alpha; treat it
		// as alpha-capable only if any pixel is actually non-opaque.
		return !m.Opaque()
	case *image.Paletted:
		for _, c := range m.Palette {
			if _, _, _, a := c.RGBA(); a < 0xffff {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// samplePlanes extracts the 8-bit alpha plane and luminance plane row-major.
func samplePlanes(img image.Image) (alpha, lum []uint8) {
	b := img.Bounds()
	n := b.Dx() * b.Dy()
	alpha = make([]uint8, 0, n)
	lum = make([]uint8, 0, n)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bb, a := img.At(x, y).RGBA()
			alpha = append(alpha, uint8(a>>8))
			// Rec. 601 luma on the premultiplied values.
			l := (299*r + 587*g + 114*bb) / 1000
			lum = append(lum, uint8(l>>8))
		}
	}
	return alpha, lum
}

func countNonOpaque(alpha []uint8) int {
	n := 0
	for _, a := range alpha {
		if a < 0xff {
			n++
		}
	}
	return n
}

const (
	visibleAlpha = 128 // threshold between "visible" and "background"
	semiLow      = 16
	semiHigh     = 239
)

func alphaStats(alpha []uint8, w, h int) AlphaStats {
	if w <= 0 || h <= 0 || len(alpha) != w*h {
		return AlphaStats{EdgeSharpness: 1}
	}

	at := func(x, y int) uint8 { return alpha[y*w+x] }
	visible := 0
	semi := 0
	isolated := 0
	edgePixels := 0
	gradientSum := 0.0

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a := at(x, y)
			if a >= semiLow && a <= semiHigh {
				semi++
			}
			if a < visibleAlpha {
				continue
			}
			visible++

			// 8-neighborhood visibility and 4-neighborhood gradient.
			hasVisibleNeighbor := false
			maxGrad := 0
			isEdge := false
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if dx == 0 && dy == 0 {
						continue
					}
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					na := at(nx, ny)
					if na >= visibleAlpha {
						hasVisibleNeighbor = true
					}
					if dx == 0 || dy == 0 {
						if na < visibleAlpha {
							isEdge = true
						}
						if d := int(a) - int(na); d > maxGrad {
							maxGrad = d
						}
					}
				}
			}
			if !hasVisibleNeighbor {
				isolated++
			}
			if isEdge {
				edgePixels++
				gradientSum += float64(maxGrad) / 255
			}
		}
	}

	st := AlphaStats{EdgeSharpness: 1}
	if visible > 0 {
		st.StrayNoise = float64(isolated) / float64(visible)
		st.HaloRisk = float64(semi) / float64(visible+semi)
	}
	if edgePixels > 0 {
		st.EdgeSharpness = gradientSum / float64(edgePixels)
	}
	return st
}

func histogramStats(lum []uint8) HistogramStats {
	if len(lum) == 0 {
		return HistogramStats{}
	}

	var hist [histogramBins]int
	sum := 0.0
	for _, l := range lum {
		hist[int(l)*histogramBins/256]++
		sum += float64(l)
	}
	n := float64(len(lum))
	mean := sum / n

	variance := 0.0
	for _, l := range lum {
		d := float64(l) - mean
		variance += d * d
	}
	variance /= n

	entropy := 0.0
	for _, c := range hist {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}

	return HistogramStats{
		Contrast: math.Min(1, math.Sqrt(variance)/128),
		Flatness: entropy / math.Log2(histogramBins),
	}
}
