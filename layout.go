package compositor

import (
	"fmt"
	"math"
)

// LayoutType names a layout template from the catalog.
type LayoutType string

const (
	LayoutPictureInPicture LayoutType = "picture-in-picture"
	LayoutSideBySide       LayoutType = "side-by-side"
	LayoutPresentation     LayoutType = "presentation"
	LayoutScreenOnly       LayoutType = "screen-only"
	LayoutCameraOnly       LayoutType = "camera-only"
)

// Border is an optional stroke drawn around a source rect.
type Border struct {
	Width float64
	Color YUVColor
}

// Shadow is an optional drop shadow drawn behind a source rect.
type Shadow struct {
	Blur    float64
	OffsetX float64
	OffsetY float64
}

// Rect positions and sizes one source on the canvas. Coordinates are kept as
// floats so transitions interpolate smoothly; they are rounded to integers
// at draw time.
type Rect struct {
	X, Y          float64
	Width, Height float64
	ZIndex        int
	CornerRadius  float64
	Border        *Border
	Shadow        *Shadow
}

// Layout is an immutable template mapping source roles to rects on a canvas.
type Layout struct {
	Type         LayoutType
	CanvasWidth  int
	CanvasHeight int
	Rects        map[SourceRole]Rect
}

// Clone returns a deep copy of the layout.
func (l Layout) Clone() Layout {
	out := Layout{
		Type:         l.Type,
		CanvasWidth:  l.CanvasWidth,
		CanvasHeight: l.CanvasHeight,
		Rects:        make(map[SourceRole]Rect, len(l.Rects)),
	}
	for role, r := range l.Rects {
		if r.Border != nil {
			b := *r.Border
			r.Border = &b
		}
		if r.Shadow != nil {
			s := *r.Shadow
			r.Shadow = &s
		}
		out.Rects[role] = r
	}
	return out
}

// ValidationResult reports the outcome of ValidateLayout.
type ValidationResult struct {
	IsValid bool
	Errors  []string
}

// ValidateLayout enforces the layout invariants: positive canvas, at least
// one of the two roles present, every rect fully inside the canvas with
// positive size and non-negative z-index.
func ValidateLayout(l Layout) ValidationResult {
	var errs []string

	if l.CanvasWidth <= 0 || l.CanvasHeight <= 0 {
		errs = append(errs, fmt.Sprintf("canvas size must be positive, got %dx%d", l.CanvasWidth, l.CanvasHeight))
	}

	if _, cam := l.Rects[RoleCamera]; !cam {
		if _, scr := l.Rects[RoleScreen]; !scr {
			errs = append(errs, "layout must position at least one of camera or screen")
		}
	}

	cw := float64(l.CanvasWidth)
	ch := float64(l.CanvasHeight)
	for role, r := range l.Rects {
		if r.Width <= 0 || r.Height <= 0 {
			errs = append(errs, fmt.Sprintf("%s: width and height must be positive, got %.0fx%.0f", role, r.Width, r.Height))
		}
		if r.X < 0 || r.Y < 0 {
			errs = append(errs, fmt.Sprintf("%s: position must be non-negative, got (%.0f,%.0f)", role, r.X, r.Y))
		}
		if r.X+r.Width > cw {
			errs = append(errs, fmt.Sprintf("%s: extends past right edge (%.0f > %d)", role, r.X+r.Width, l.CanvasWidth))
		}
		if r.Y+r.Height > ch {
			errs = append(errs, fmt.Sprintf("%s: extends past bottom edge (%.0f > %d)", role, r.Y+r.Height, l.CanvasHeight))
		}
		if r.ZIndex < 0 {
			errs = append(errs, fmt.Sprintf("%s: z-index must be non-negative, got %d", role, r.ZIndex))
		}
	}

	return ValidationResult{IsValid: len(errs) == 0, Errors: errs}
}

// ClampToCanvas forces a rect fully inside the canvas bounds, preserving a
// minimum 1x1 size. Used as a safety net so a marginally invalid layout
// never crashes the engine.
func ClampToCanvas(r Rect, canvasW, canvasH int) Rect {
	cw := float64(canvasW)
	ch := float64(canvasH)

	if r.Width < 1 {
		r.Width = 1
	}
	if r.Height < 1 {
		r.Height = 1
	}
	if r.Width > cw {
		r.Width = cw
	}
	if r.Height > ch {
		r.Height = ch
	}
	if r.X < 0 {
		r.X = 0
	}
	if r.Y < 0 {
		r.Y = 0
	}
	if r.X+r.Width > cw {
		r.X = cw - r.Width
	}
	if r.Y+r.Height > ch {
		r.Y = ch - r.Height
	}
	if r.ZIndex < 0 {
		r.ZIndex = 0
	}
	return r
}

// FitToAspectRatio returns the largest width/height not exceeding maxW/maxH
// that matches the given aspect ratio. Helper for callers building custom
// layouts.
func FitToAspectRatio(aspect float64, maxW, maxH float64) (w, h float64) {
	if aspect <= 0 || maxW <= 0 || maxH <= 0 {
		return 0, 0
	}
	w = maxW
	h = maxW / aspect
	if h > maxH {
		h = maxH
		w = maxH * aspect
	}
	return w, h
}

// CenterInBounds centers a rect of the given size inside the bounds rect,
// preserving its z-index and decoration.
func CenterInBounds(r Rect, bounds Rect) Rect {
	r.X = bounds.X + (bounds.Width-r.Width)/2
	r.Y = bounds.Y + (bounds.Height-r.Height)/2
	return r
}

// ScaleLayout uniformly scales the canvas and every rect by factor. Used by
// the quality controller when it reduces render resolution.
func ScaleLayout(l Layout, factor float64) Layout {
	out := l.Clone()
	out.CanvasWidth = evenDim(int(math.Round(float64(l.CanvasWidth) * factor)))
	out.CanvasHeight = evenDim(int(math.Round(float64(l.CanvasHeight) * factor)))
	for role, r := range out.Rects {
		r.X *= factor
		r.Y *= factor
		r.Width *= factor
		r.Height *= factor
		r.CornerRadius *= factor
		if r.Border != nil {
			r.Border.Width *= factor
		}
		if r.Shadow != nil {
			r.Shadow.Blur *= factor
			r.Shadow.OffsetX *= factor
			r.Shadow.OffsetY *= factor
		}
		out.Rects[role] = ClampToCanvas(r, out.CanvasWidth, out.CanvasHeight)
	}
	return out
}

// AvailableLayoutTypes lists the catalog templates in a stable order.
func AvailableLayoutTypes() []LayoutType {
	return []LayoutType{
		LayoutPictureInPicture,
		LayoutSideBySide,
		LayoutPresentation,
		LayoutScreenOnly,
		LayoutCameraOnly,
	}
}

// LayoutForType builds a catalog template for the given canvas size.
func LayoutForType(t LayoutType, canvasW, canvasH int) (Layout, error) {
	if canvasW <= 0 || canvasH <= 0 {
		return Layout{}, fmt.Errorf("canvas size must be positive, got %dx%d", canvasW, canvasH)
	}
	cw := float64(canvasW)
	ch := float64(canvasH)

	l := Layout{
		Type:         t,
		CanvasWidth:  canvasW,
		CanvasHeight: canvasH,
		Rects:        make(map[SourceRole]Rect),
	}

	switch t {
	case LayoutPictureInPicture:
		// Screen fills the canvas; camera floats bottom-right at a quarter
		// of the canvas width with a rounded, bordered, shadowed frame.
		margin := math.Round(cw * 0.025)
		pipW := math.Round(cw * 0.25)
		pipH := math.Round(pipW * 9 / 16)
		l.Rects[RoleScreen] = Rect{X: 0, Y: 0, Width: cw, Height: ch, ZIndex: 0}
		l.Rects[RoleCamera] = Rect{
			X: cw - pipW - margin, Y: ch - pipH - margin,
			Width: pipW, Height: pipH, ZIndex: 1,
			CornerRadius: 12,
			Border:       &Border{Width: 2, Color: ColorWhite},
			Shadow:       &Shadow{Blur: 12, OffsetX: 0, OffsetY: 4},
		}

	case LayoutSideBySide:
		half := math.Floor(cw / 2)
		l.Rects[RoleScreen] = Rect{X: 0, Y: 0, Width: half, Height: ch, ZIndex: 0}
		l.Rects[RoleCamera] = Rect{X: half, Y: 0, Width: cw - half, Height: ch, ZIndex: 0}

	case LayoutPresentation:
		// Screen takes the left three quarters; camera sits in the right
		// column, vertically centered.
		screenW := math.Round(cw * 0.75)
		camW := cw - screenW
		camH := math.Round(camW * 9 / 16)
		camY := math.Round((ch - camH) / 2)
		l.Rects[RoleScreen] = Rect{X: 0, Y: 0, Width: screenW, Height: ch, ZIndex: 0}
		l.Rects[RoleCamera] = Rect{
			X: screenW, Y: camY, Width: camW, Height: camH, ZIndex: 1,
			CornerRadius: 8,
		}

	case LayoutScreenOnly:
		l.Rects[RoleScreen] = Rect{X: 0, Y: 0, Width: cw, Height: ch, ZIndex: 0}

	case LayoutCameraOnly:
		l.Rects[RoleCamera] = Rect{X: 0, Y: 0, Width: cw, Height: ch, ZIndex: 0}

	default:
		return Layout{}, fmt.Errorf("unknown layout type %q", t)
	}

	return l, nil
}

// fallbackLayout builds a full-canvas single-source layout preferring
// whichever role is present. It is the last resort when a caller-supplied
// layout cannot be salvaged by clamping.
func fallbackLayout(canvasW, canvasH int, haveCamera, haveScreen bool) Layout {
	t := LayoutCameraOnly
	if haveScreen && !haveCamera {
		t = LayoutScreenOnly
	}
	l, _ := LayoutForType(t, canvasW, canvasH)
	return l
}

// evenDim rounds a dimension up to even, as required for 4:2:0 chroma.
func evenDim(v int) int {
	if v < 2 {
		return 2
	}
	return (v + 1) &^ 1
}
