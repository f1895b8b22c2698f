// Package geometry defines axis-aligned pixel rectangles used to place detections on an image.
package geometry

import (
	"fmt"
	"image"

	"github.com/pkg/errors"
)

// ErrNoOverlap is returned when a rectangle does not overlap the region it is clipped to.
var ErrNoOverlap = errors.New("bounds do not overlap region")

// Bounds is an axis-aligned rectangle in pixel coordinates. Values built with the constructors in
// this package always satisfy X0 <= X1 and Y0 <= Y1.
type Bounds struct {
	X0 int `json:"x0"`
	X1 int `json:"x1"`
	Y0 int `json:"y0"`
	Y1 int `json:"y1"`
}

// New builds Bounds from the (x0, x1, y0, y1) argument order used by detection records,
// swapping coordinates where needed so the result is normalized.
func New(x0, x1, y0, y1 int) Bounds {
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	return Bounds{X0: x0, X1: x1, Y0: y0, Y1: y1}
}

// FromCorners builds normalized Bounds from the corners (x0, y0) and (x1, y1).
func FromCorners(x0, y0, x1, y1 int) Bounds {
	return New(x0, x1, y0, y1)
}

// FromDiagonal builds normalized Bounds from two arbitrary points on a diagonal.
func FromDiagonal(p0, p1 image.Point) Bounds {
	return New(p0.X, p1.X, p0.Y, p1.Y)
}

// FromRect converts an image.Rectangle.
func FromRect(r image.Rectangle) Bounds {
	return FromDiagonal(r.Min, r.Max)
}

// Rect converts b to an image.Rectangle.
func (b Bounds) Rect() image.Rectangle {
	return image.Rect(b.X0, b.Y0, b.X1, b.Y1)
}

// Width is X1 - X0.
func (b Bounds) Width() int {
	return b.X1 - b.X0
}

// Height is Y1 - Y0.
func (b Bounds) Height() int {
	return b.Y1 - b.Y0
}

// Area is Width * Height.
func (b Bounds) Area() int {
	return b.Width() * b.Height()
}

// Contains reports whether other lies entirely within b.
func (b Bounds) Contains(other Bounds) bool {
	return other.X0 >= b.X0 && other.X1 <= b.X1 && other.Y0 >= b.Y0 && other.Y1 <= b.Y1
}

// Intersection returns the overlap of b and other. The second return value is false when the
// rectangles are disjoint, in which case the zero Bounds is returned. Rectangles that only
// share an edge intersect in a zero-area rectangle.
func (b Bounds) Intersection(other Bounds) (Bounds, bool) {
	out := Bounds{
		X0: max(b.X0, other.X0),
		Y0: max(b.Y0, other.Y0),
		X1: min(b.X1, other.X1),
		Y1: min(b.Y1, other.Y1),
	}
	if out.X0 > out.X1 || out.Y0 > out.Y1 {
		return Bounds{}, false
	}
	return out, true
}

// Scale multiplies the x coordinates by sx and the y coordinates by sy, truncating toward zero.
func (b Bounds) Scale(sx, sy float64) Bounds {
	return New(
		int(float64(b.X0)*sx),
		int(float64(b.X1)*sx),
		int(float64(b.Y0)*sy),
		int(float64(b.Y1)*sy),
	)
}

func (b Bounds) String() string {
	return fmt.Sprintf("(x0=%d, y0=%d, x1=%d, y1=%d)", b.X0, b.Y0, b.X1, b.Y1)
}

// Clip intersects b with region, returning ErrNoOverlap when they are disjoint.
func Clip(b, region Bounds) (Bounds, error) {
	clipped, ok := region.Intersection(b)
	if !ok {
		return Bounds{}, errors.Wrapf(ErrNoOverlap, "%s outside %s", b, region)
	}
	return clipped, nil
}
