package compositor

// Layout interpolation for transitions. Position and size animate linearly;
// z-index and decoration snap to the target so stacking never flickers
// mid-transition.

// EaseInOutCubic is the easing applied to transition progress before
// interpolation. It is the only easing the engine uses.
func EaseInOutCubic(t float64) float64 {
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	if t < 0.5 {
		return 4 * t * t * t
	}
	x := -2*t + 2
	return 1 - x*x*x/2
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// InterpolateRect linearly interpolates x/y/width/height between two rects.
// ZIndex, corner radius, border and shadow snap to the target.
func InterpolateRect(from, to Rect, progress float64) Rect {
	out := to
	out.X = lerp(from.X, to.X, progress)
	out.Y = lerp(from.Y, to.Y, progress)
	out.Width = lerp(from.Width, to.Width, progress)
	out.Height = lerp(from.Height, to.Height, progress)
	return out
}

// InterpolateLayout interpolates every rect of `to` from its counterpart in
// `from`. A rect present only in `to` grows from a zero-size rect centered
// at its own center, so a newly placed source fades in instead of popping.
// A rect present only in `from` is omitted from the result, fading out by
// omission.
func InterpolateLayout(from, to Layout, progress float64) Layout {
	out := Layout{
		Type:         to.Type,
		CanvasWidth:  to.CanvasWidth,
		CanvasHeight: to.CanvasHeight,
		Rects:        make(map[SourceRole]Rect, len(to.Rects)),
	}
	for role, target := range to.Rects {
		prev, ok := from.Rects[role]
		if !ok {
			prev = Rect{
				X:      target.X + target.Width/2,
				Y:      target.Y + target.Height/2,
				Width:  0,
				Height: 0,
				ZIndex: target.ZIndex,
			}
		}
		out.Rects[role] = InterpolateRect(prev, target, progress)
	}
	return out
}
