package render

import (
	"image"
	"image/color"
	"image/draw"
	"math"
)

// Viewport is the logical page box at a given scale. Layout math uses the
// logical size; the raster uses the device size (logical * PixelRatio).
type Viewport struct {
	Scale      float64 `json:"scale"`
	PixelRatio float64 `json:"pixel_ratio"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

// DeviceScale is the factor applied when rasterizing.
func (v Viewport) DeviceScale() float64 { return v.Scale * v.PixelRatio }

// DeviceWidth is the raster width in pixels.
func (v Viewport) DeviceWidth() int { return int(math.Ceil(v.Width * v.PixelRatio)) }

// DeviceHeight is the raster height in pixels.
func (v Viewport) DeviceHeight() int { return int(math.Ceil(v.Height * v.PixelRatio)) }

// Surface is the raster target of one render.
type Surface struct {
	img         *image.RGBA
	deviceScale float64
}

// NewSurface returns an empty surface; Reset sizes it.
func NewSurface() *Surface {
	return &Surface{img: image.NewRGBA(image.Rect(0, 0, 0, 0)), deviceScale: 1}
}

// Reset drops any previous transform and content and resizes the surface
// to w x h device pixels, painted white.
func (s *Surface) Reset(w, h int, deviceScale float64) {
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	s.deviceScale = deviceScale
	s.img = image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(s.img, s.img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
}

// Image exposes the backing raster.
func (s *Surface) Image() *image.RGBA { return s.img }

// DeviceScale is the scale the content was rasterized at.
func (s *Surface) DeviceScale() float64 { return s.deviceScale }

// Bounds reports the raster size.
func (s *Surface) Bounds() image.Rectangle { return s.img.Bounds() }
