package compositor

import (
	"fmt"
	"math"
)

// FitMode defines how a source frame is placed into its target rect.
type FitMode int

const (
	// FitCover scales to fill the rect, preserving aspect ratio (crops).
	FitCover FitMode = iota
	// FitContain scales to fit inside the rect, preserving aspect ratio
	// (letterbox/pillarbox; the cleared background shows through).
	FitContain
)

func (m FitMode) String() string {
	switch m {
	case FitCover:
		return "cover"
	case FitContain:
		return "contain"
	default:
		return "unknown"
	}
}

// DrawOptions modifies a single DrawFrame call.
type DrawOptions struct {
	Opacity      float64 // 0..1; 1 = opaque
	CornerRadius float64 // rounded-rect clip radius; 0 = no clip
}

// Canvas is the injected drawing capability the engine renders through.
// The I420 implementation below is the default; tests substitute a
// recording fake.
type Canvas interface {
	// Clear fills the whole canvas with a solid background color.
	Clear(bg YUVColor)

	// DrawFrame decodes a source frame into the destination rect using the
	// given fit mode.
	DrawFrame(frame *VideoFrame, dst Rect, fit FitMode, opts DrawOptions) error

	// DrawBorder strokes a rect outline, honoring a corner radius.
	DrawBorder(dst Rect, b Border, cornerRadius float64)

	// DrawShadow draws a drop shadow around the rect.
	DrawShadow(dst Rect, s Shadow, cornerRadius float64)

	// Frame snapshots the current canvas contents. The returned frame
	// references internal buffers and is only valid until the next draw.
	Frame() *VideoFrame

	// Resize reallocates the canvas at new dimensions.
	Resize(width, height int)

	// Size returns the current canvas dimensions.
	Size() (width, height int)
}

// I420Canvas is a pure-Go YUV 4:2:0 drawing surface.
type I420Canvas struct {
	width, height int
	y, u, v       []byte
}

// NewI420Canvas allocates a canvas. Dimensions are forced even for 4:2:0
// chroma subsampling.
func NewI420Canvas(width, height int) (*I420Canvas, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("canvas size must be positive, got %dx%d", width, height)
	}
	c := &I420Canvas{}
	c.Resize(width, height)
	return c, nil
}

// Resize reallocates the plane buffers.
func (c *I420Canvas) Resize(width, height int) {
	width = evenDim(width)
	height = evenDim(height)
	c.width = width
	c.height = height
	c.y = make([]byte, width*height)
	c.u = make([]byte, (width/2)*(height/2))
	c.v = make([]byte, (width/2)*(height/2))
}

// Size returns the canvas dimensions.
func (c *I420Canvas) Size() (int, int) { return c.width, c.height }

// MemoryBytes reports the plane buffer footprint.
func (c *I420Canvas) MemoryBytes() int { return len(c.y) + len(c.u) + len(c.v) }

// Clear fills the canvas with a solid color.
func (c *I420Canvas) Clear(bg YUVColor) {
	for i := range c.y {
		c.y[i] = bg.Y
	}
	for i := range c.u {
		c.u[i] = bg.U
		c.v[i] = bg.V
	}
}

// Frame snapshots the canvas as an I420 frame referencing internal buffers.
func (c *I420Canvas) Frame() *VideoFrame {
	return &VideoFrame{
		Data:   [][]byte{c.y, c.u, c.v},
		Stride: []int{c.width, c.width / 2, c.width / 2},
		Width:  c.width,
		Height: c.height,
		Format: PixelFormatI420,
	}
}

// DrawFrame scales the source frame into dst. Cover crops the source to the
// rect's aspect ratio; contain letterboxes inside the rect. Coordinates are
// rounded to integers before drawing to avoid sub-pixel seams.
func (c *I420Canvas) DrawFrame(frame *VideoFrame, dst Rect, fit FitMode, opts DrawOptions) error {
	if frame == nil || frame.Format != PixelFormatI420 || len(frame.Data) < 3 {
		return fmt.Errorf("draw: unsupported frame")
	}
	if frame.Width <= 0 || frame.Height <= 0 {
		return fmt.Errorf("draw: degenerate source %dx%d", frame.Width, frame.Height)
	}

	dx := int(math.Round(dst.X))
	dy := int(math.Round(dst.Y))
	dw := int(math.Round(dst.Width))
	dh := int(math.Round(dst.Height))
	if dw <= 0 || dh <= 0 {
		return nil
	}

	// Source and destination regions per fit mode.
	srcX, srcY, srcW, srcH := 0, 0, frame.Width, frame.Height
	switch fit {
	case FitCover:
		srcX, srcY, srcW, srcH = coverRegion(frame.Width, frame.Height, dw, dh)
	case FitContain:
		fw, fh := containSize(frame.Width, frame.Height, dw, dh)
		dx += (dw - fw) / 2
		dy += (dh - fh) / 2
		dw, dh = fw, fh
	}
	if srcW <= 0 || srcH <= 0 || dw <= 0 || dh <= 0 {
		return nil
	}

	opacity := opts.Opacity
	if opacity <= 0 {
		return nil
	}
	if opacity > 1 {
		opacity = 1
	}
	alpha := int(opacity * 256)

	var mask *cornerMask
	if opts.CornerRadius > 0.5 {
		mask = newCornerMask(dw, dh, opts.CornerRadius)
	}

	c.blitPlane(frame.Data[0], frame.Stride[0], srcX, srcY, srcW, srcH,
		c.y, c.width, c.width, c.height, dx, dy, dw, dh, alpha, mask, 1)
	c.blitPlane(frame.Data[1], frame.Stride[1], srcX/2, srcY/2, srcW/2, srcH/2,
		c.u, c.width/2, c.width/2, c.height/2, dx/2, dy/2, dw/2, dh/2, alpha, mask, 2)
	c.blitPlane(frame.Data[2], frame.Stride[2], srcX/2, srcY/2, srcW/2, srcH/2,
		c.v, c.width/2, c.width/2, c.height/2, dx/2, dy/2, dw/2, dh/2, alpha, mask, 2)

	return nil
}

// blitPlane scales a source plane region into a destination plane region
// using bilinear interpolation with 16.16 fixed-point stepping, blending by
// alpha (0..256) and honoring an optional rounded-corner mask. sub is the
// chroma subsampling factor relative to the mask's luma coordinates.
func (c *I420Canvas) blitPlane(src []byte, srcStride, srcX, srcY, srcW, srcH int,
	dst []byte, dstStride, dstPlaneW, dstPlaneH, dstX, dstY, dstW, dstH int,
	alpha int, mask *cornerMask, sub int) {

	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return
	}

	xRatio := (srcW << 16) / dstW
	yRatio := (srcH << 16) / dstH

	for y := 0; y < dstH; y++ {
		oy := dstY + y
		if oy < 0 || oy >= dstPlaneH {
			continue
		}

		srcYFP := y * yRatio
		y0 := (srcYFP >> 16) + srcY
		yFrac := srcYFP & 0xFFFF
		y1 := y0 + 1
		if y1 >= srcY+srcH {
			y1 = y0
		}

		for x := 0; x < dstW; x++ {
			ox := dstX + x
			if ox < 0 || ox >= dstPlaneW {
				continue
			}
			if mask != nil && !mask.inside(x*sub, y*sub) {
				continue
			}

			srcXFP := x * xRatio
			x0 := (srcXFP >> 16) + srcX
			xFrac := srcXFP & 0xFFFF
			x1 := x0 + 1
			if x1 >= srcX+srcW {
				x1 = x0
			}

			p00 := int(src[y0*srcStride+x0])
			p10 := int(src[y0*srcStride+x1])
			p01 := int(src[y1*srcStride+x0])
			p11 := int(src[y1*srcStride+x1])

			top := (p00*(0x10000-xFrac) + p10*xFrac) >> 16
			bottom := (p01*(0x10000-xFrac) + p11*xFrac) >> 16
			sample := (top*(0x10000-yFrac) + bottom*yFrac) >> 16

			di := oy*dstStride + ox
			if alpha >= 256 {
				dst[di] = byte(sample)
			} else {
				d := int(dst[di])
				dst[di] = byte(d + ((sample-d)*alpha)>>8)
			}
		}
	}
}

// DrawBorder strokes the rect outline. The band lies just inside the rect so
// borders never escape the layout bounds.
func (c *I420Canvas) DrawBorder(dst Rect, b Border, cornerRadius float64) {
	bw := int(math.Round(b.Width))
	if bw <= 0 {
		return
	}
	dx := int(math.Round(dst.X))
	dy := int(math.Round(dst.Y))
	dw := int(math.Round(dst.Width))
	dh := int(math.Round(dst.Height))
	if dw <= 0 || dh <= 0 {
		return
	}

	var outer, inner *cornerMask
	if cornerRadius > 0.5 {
		outer = newCornerMask(dw, dh, cornerRadius)
		ir := cornerRadius - float64(bw)
		if ir < 0 {
			ir = 0
		}
		iw := dw - 2*bw
		ih := dh - 2*bw
		if iw < 0 {
			iw = 0
		}
		if ih < 0 {
			ih = 0
		}
		inner = newCornerMask(iw, ih, ir)
	}

	for y := 0; y < dh; y++ {
		oy := dy + y
		if oy < 0 || oy >= c.height {
			continue
		}
		for x := 0; x < dw; x++ {
			ox := dx + x
			if ox < 0 || ox >= c.width {
				continue
			}
			inBand := x < bw || y < bw || x >= dw-bw || y >= dh-bw
			if outer != nil {
				if !outer.inside(x, y) {
					continue
				}
				if !inBand {
					// Also paint where the inner rounded rect cuts away.
					if inner.inside(x-bw, y-bw) {
						continue
					}
				}
			} else if !inBand {
				continue
			}
			c.setPixel(ox, oy, b.Color)
		}
	}
}

// DrawShadow darkens a band around the rect, offset and fading out over the
// blur distance. It is an approximation of a Gaussian drop shadow that stays
// cheap enough to run per frame.
func (c *I420Canvas) DrawShadow(dst Rect, s Shadow, cornerRadius float64) {
	blur := int(math.Round(s.Blur))
	if blur <= 0 {
		return
	}
	dx := int(math.Round(dst.X + s.OffsetX))
	dy := int(math.Round(dst.Y + s.OffsetY))
	dw := int(math.Round(dst.Width))
	dh := int(math.Round(dst.Height))

	fx := int(math.Round(dst.X))
	fy := int(math.Round(dst.Y))

	for y := dy - blur; y < dy+dh+blur; y++ {
		if y < 0 || y >= c.height {
			continue
		}
		for x := dx - blur; x < dx+dw+blur; x++ {
			if x < 0 || x >= c.width {
				continue
			}
			// Leave the area covered by the frame itself untouched.
			if x >= fx && x < fx+dw && y >= fy && y < fy+dh {
				continue
			}
			d := rectDistance(x, y, dx, dy, dw, dh)
			if d >= blur {
				continue
			}
			// Linear falloff, 50% strength at the rect edge.
			strength := (blur - d) * 128 / blur
			i := y*c.width + x
			yv := int(c.y[i])
			c.y[i] = byte(yv - yv*strength/256)
		}
	}
}

func (c *I420Canvas) setPixel(x, y int, col YUVColor) {
	c.y[y*c.width+x] = col.Y
	ui := (y/2)*(c.width/2) + x/2
	if ui < len(c.u) {
		c.u[ui] = col.U
		c.v[ui] = col.V
	}
}

// rectDistance is the Chebyshev distance from a point to a rect's edge
// (0 when inside).
func rectDistance(x, y, rx, ry, rw, rh int) int {
	var ddx, ddy int
	if x < rx {
		ddx = rx - x
	} else if x >= rx+rw {
		ddx = x - (rx + rw - 1)
	}
	if y < ry {
		ddy = ry - y
	} else if y >= ry+rh {
		ddy = y - (ry + rh - 1)
	}
	if ddx > ddy {
		return ddx
	}
	return ddy
}

// coverRegion crops the source to the destination aspect ratio, anchored
// center.
func coverRegion(srcW, srcH, dstW, dstH int) (x, y, w, h int) {
	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(dstW) / float64(dstH)

	if srcAspect > dstAspect {
		newW := int(float64(srcH) * dstAspect)
		if newW < 1 {
			newW = 1
		}
		return (srcW - newW) / 2, 0, newW, srcH
	}
	if srcAspect < dstAspect {
		newH := int(float64(srcW) / dstAspect)
		if newH < 1 {
			newH = 1
		}
		return 0, (srcH - newH) / 2, srcW, newH
	}
	return 0, 0, srcW, srcH
}

// containSize fits the source inside the destination, preserving aspect
// ratio. Dimensions are forced even for chroma alignment.
func containSize(srcW, srcH, maxW, maxH int) (w, h int) {
	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(maxW) / float64(maxH)

	if srcAspect > dstAspect {
		w = maxW
		h = int(float64(maxW) / srcAspect)
	} else {
		h = maxH
		w = int(float64(maxH) * srcAspect)
	}
	w = evenDim(w)
	h = evenDim(h)
	if w > maxW {
		w = maxW
	}
	if h > maxH {
		h = maxH
	}
	return w, h
}

// cornerMask answers rounded-rect membership for rect-local coordinates.
// Only the four corner squares need the circle test; everything else is
// trivially inside.
type cornerMask struct {
	w, h int
	r    int
	r2   int
}

func newCornerMask(w, h int, radius float64) *cornerMask {
	r := int(math.Round(radius))
	maxR := w / 2
	if h/2 < maxR {
		maxR = h / 2
	}
	if r > maxR {
		r = maxR
	}
	return &cornerMask{w: w, h: h, r: r, r2: r * r}
}

func (m *cornerMask) inside(x, y int) bool {
	if x < 0 || y < 0 || x >= m.w || y >= m.h {
		return false
	}
	var cx, cy int
	switch {
	case x < m.r && y < m.r:
		cx, cy = m.r-1, m.r-1
	case x >= m.w-m.r && y < m.r:
		cx, cy = m.w-m.r, m.r-1
	case x < m.r && y >= m.h-m.r:
		cx, cy = m.r-1, m.h-m.r
	case x >= m.w-m.r && y >= m.h-m.r:
		cx, cy = m.w-m.r, m.h-m.r
	default:
		return true
	}
	ddx := x - cx
	ddy := y - cy
	return ddx*ddx+ddy*ddy <= m.r2
}
