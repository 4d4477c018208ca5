package docsource

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/math/fixed"

	"github.com/markdave123-py/docanchor/internal/core"
)

var (
	fontOnce sync.Once
	textFont *truetype.Font
	fontErr  error
)

func regularFont() (*truetype.Font, error) {
	fontOnce.Do(func() {
		textFont, fontErr = freetype.ParseFont(goregular.TTF)
	})
	return textFont, fontErr
}

// measure returns the advance width of s at size points.
func measure(f *truetype.Font, s string, size float64) float64 {
	face := truetype.NewFace(f, &truetype.Options{Size: size, DPI: 72, Hinting: font.HintingNone})
	defer face.Close()
	return fixedToFloat(font.MeasureString(face, s))
}

func fixedToFloat(v fixed.Int26_6) float64 { return float64(v) / 64 }

// paintRuns draws every run at scale onto dst. Run geometry is page space
// with a top-left origin; the baseline sits at Y + FontSize*0.8.
func paintRuns(ctx context.Context, dst *image.RGBA, runs []core.TextRun, scale float64) error {
	f, err := regularFont()
	if err != nil {
		return fmt.Errorf("parse font: %w", err)
	}
	c := freetype.NewContext()
	c.SetDPI(72)
	c.SetFont(f)
	c.SetClip(dst.Bounds())
	c.SetDst(dst)
	c.SetSrc(image.Black)
	c.SetHinting(font.HintingNone)

	for _, r := range runs {
		if err := ctx.Err(); err != nil {
			return err
		}
		size := r.FontSize
		if size <= 0 {
			size = r.Height
		}
		if size <= 0 {
			continue
		}
		c.SetFontSize(size * scale)
		pt := freetype.Pt(int(r.X*scale), int((r.Y+size*0.8)*scale))
		if _, err := c.DrawString(r.Text, pt); err != nil {
			return fmt.Errorf("draw run %d: %w", r.Index, err)
		}
	}
	return nil
}
