// Package ui holds the interaction logic of the call indicator: the
// draggable floating bar and the view model it renders.
package ui

// DefaultMargin keeps the bar this far from every viewport edge.
const DefaultMargin = 16

type Point struct{ X, Y float64 }

type Size struct{ W, H float64 }

// PointerSource distinguishes mouse from touch input. Both drive the same
// drag logic, but a drag only follows the source that started it.
type PointerSource int

const (
	PointerMouse PointerSource = iota
	PointerTouch
)

// FloatBar tracks the position of the floating call bar. It is not safe for
// concurrent use; drive it from the input loop.
type FloatBar struct {
	Margin float64

	pos      Point
	size     Size
	viewport Size
	placed   bool

	dragging bool
	source   PointerSource
	start    Point
	origin   Point
}

func NewFloatBar() *FloatBar {
	return &FloatBar{Margin: DefaultMargin}
}

// Place puts the bar in the top-right corner the first time it is called,
// once the bar has been measured. Later calls only return the position.
func (b *FloatBar) Place(viewport, size Size) Point {
	if b.placed {
		return b.pos
	}
	b.viewport, b.size = viewport, size
	b.pos = b.clamp(Point{X: viewport.W - size.W - b.Margin, Y: b.Margin})
	b.placed = true
	return b.pos
}

// PointerDown starts a drag at p. It reports whether a drag started.
func (b *FloatBar) PointerDown(src PointerSource, p Point) bool {
	if !b.placed || b.dragging {
		return false
	}
	b.dragging = true
	b.source = src
	b.start = p
	b.origin = b.pos
	return true
}

// PointerMove follows the pointer while dragging and returns the new,
// clamped position.
func (b *FloatBar) PointerMove(src PointerSource, p Point) Point {
	if !b.dragging || src != b.source {
		return b.pos
	}
	b.pos = b.clamp(Point{
		X: b.origin.X + p.X - b.start.X,
		Y: b.origin.Y + p.Y - b.start.Y,
	})
	return b.pos
}

func (b *FloatBar) PointerUp(src PointerSource) {
	if b.dragging && src == b.source {
		b.dragging = false
	}
}

// Resize re-clamps the bar into a new viewport.
func (b *FloatBar) Resize(viewport Size) Point {
	b.viewport = viewport
	if b.placed {
		b.pos = b.clamp(b.pos)
	}
	return b.pos
}

func (b *FloatBar) Position() Point { return b.pos }

func (b *FloatBar) Dragging() bool { return b.dragging }

func (b *FloatBar) clamp(p Point) Point {
	return Point{
		X: clampAxis(p.X, b.size.W, b.viewport.W, b.Margin),
		Y: clampAxis(p.Y, b.size.H, b.viewport.H, b.Margin),
	}
}

// clampAxis keeps [v, v+size] inside [margin, extent-margin]. When the bar
// does not fit, the leading margin wins.
func clampAxis(v, size, extent, margin float64) float64 {
	if hi := extent - size - margin; v > hi {
		v = hi
	}
	if v < margin {
		v = margin
	}
	return v
}
