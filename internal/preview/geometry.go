// Package preview places and tears down the floating preview window and
// dismisses it when editor focus moves away.
package preview

import (
	"fmt"

	rrerrors "regexrailroad/internal/errors"
)

// Policy selects how a preview is sized and placed.
type Policy string

const (
	// PolicyDefault is 40% of the rows (less four) by 90% of the columns,
	// sitting in the lower middle of the editor.
	PolicyDefault Policy = "default"
	// PolicyBordered is 80% by 80%, centered, with a one-cell frame.
	PolicyBordered Policy = "bordered"
)

// ParsePolicy maps a config value to a Policy. Unknown values fall back
// to PolicyDefault.
func ParsePolicy(s string) Policy {
	if Policy(s) == PolicyBordered {
		return PolicyBordered
	}
	return PolicyDefault
}

// Viewport is the editor size in cells.
type Viewport struct {
	Rows int
	Cols int
}

// Geometry is a float's placement, zero-based from the editor's top left.
type Geometry struct {
	Row    int
	Col    int
	Width  int
	Height int
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", g.Width, g.Height, g.Col, g.Row)
}

// Compute returns the geometry for policy in vp. All arithmetic is
// integer: the fractional factors are scaled by ten and divided with
// ceiling rounding. Sizes are at least 1, offsets at least 0.
func Compute(policy Policy, vp Viewport) (Geometry, error) {
	if vp.Rows <= 0 || vp.Cols <= 0 {
		return Geometry{}, rrerrors.E(rrerrors.KindGeometry, "compute geometry", "",
			fmt.Errorf("%w: %dx%d", rrerrors.ErrViewportUnavailable, vp.Cols, vp.Rows))
	}

	r, c := vp.Rows, vp.Cols
	var g Geometry

	switch policy {
	case PolicyBordered:
		// h = ceil(0.8R - 4), w = ceil(0.8C)
		g.Height = atLeast(ceilDiv(8*r-40, 10), 1)
		g.Width = atLeast(ceilDiv(8*c, 10), 1)
		// row = ceil((R-h)/2 - 1)
		g.Row = atLeast(ceilDiv(r-g.Height-2, 2), 0)
	default:
		// h = ceil(0.4R - 4), w = ceil(0.9C)
		g.Height = atLeast(ceilDiv(4*r-40, 10), 1)
		g.Width = atLeast(ceilDiv(9*c, 10), 1)
		// row = ceil(3(R-h)/4 - 1)
		g.Row = atLeast(ceilDiv(3*(r-g.Height)-4, 4), 0)
	}
	g.Col = atLeast(ceilDiv(c-g.Width, 2), 0)

	return g, nil
}

// ceilDiv rounds a/b toward positive infinity for b > 0.
func ceilDiv(a, b int) int {
	q := a / b
	if a%b != 0 && a > 0 {
		q++
	}
	return q
}

func atLeast(v, min int) int {
	if v < min {
		return min
	}
	return v
}
