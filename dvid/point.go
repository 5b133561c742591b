package dvid

import (
	"fmt"
	"strconv"
	"strings"
)

// Point3d is an ordered list of three 32-bit signed integers that implements the Point interface.
type Point3d [3]int32

// Value returns the value at the specified dimension for this point.
func (p Point3d) Value(dim uint8) int32 {
	return p[dim]
}

// Add returns the component-wise sum of two points.
func (p Point3d) Add(x Point3d) Point3d {
	return Point3d{p[0] + x[0], p[1] + x[1], p[2] + x[2]}
}

// Sub returns the component-wise difference of two points.
func (p Point3d) Sub(x Point3d) Point3d {
	return Point3d{p[0] - x[0], p[1] - x[1], p[2] - x[2]}
}

// Mult returns the component-wise product of two points.
func (p Point3d) Mult(x Point3d) Point3d {
	return Point3d{p[0] * x[0], p[1] * x[1], p[2] * x[2]}
}

// Div returns the component-wise quotient of two points, rounding toward negative infinity
// so that negative coordinates map to the correct chunk.
func (p Point3d) Div(x Point3d) Point3d {
	var r Point3d
	for i := range p {
		r[i] = floorDiv(p[i], x[i])
	}
	return r
}

// DivCeil returns the component-wise quotient rounded up, e.g., the number of chunks
// of size x needed to cover an extent p.
func (p Point3d) DivCeil(x Point3d) Point3d {
	var r Point3d
	for i := range p {
		r[i] = (p[i] + x[i] - 1) / x[i]
	}
	return r
}

// Prod returns the product of the point elements.
func (p Point3d) Prod() int64 {
	return int64(p[0]) * int64(p[1]) * int64(p[2])
}

// Less returns true if p is lexicographically before x in z, y, x order.
func (p Point3d) Less(x Point3d) bool {
	if p[2] != x[2] {
		return p[2] < x[2]
	}
	if p[1] != x[1] {
		return p[1] < x[1]
	}
	return p[0] < x[0]
}

// Inside returns true if every component lies in [0, extent).
func (p Point3d) Inside(extent Point3d) bool {
	for i := range p {
		if p[i] < 0 || p[i] >= extent[i] {
			return false
		}
	}
	return true
}

func (p Point3d) String() string {
	return fmt.Sprintf("(%d,%d,%d)", p[0], p[1], p[2])
}

// Colon returns the "X:Y:Z" form used in the state log.
func (p Point3d) Colon() string {
	return fmt.Sprintf("%d:%d:%d", p[0], p[1], p[2])
}

// StringToPoint3d parses a string of format "%d<sep>%d<sep>%d" into a Point3d.
func StringToPoint3d(str, separator string) (Point3d, error) {
	elems := strings.Split(str, separator)
	if len(elems) != 3 {
		return Point3d{}, fmt.Errorf("cannot convert %q into a 3d point", str)
	}
	var p Point3d
	for i, elem := range elems {
		n, err := strconv.ParseInt(strings.TrimSpace(elem), 10, 32)
		if err != nil {
			return Point3d{}, fmt.Errorf("bad coordinate %q in %q: %v", elem, str, err)
		}
		p[i] = int32(n)
	}
	return p, nil
}

// StringToNdFloat64 parses a string of format "%f<sep>%f<sep>..." into a slice of float64.
func StringToNdFloat64(str, separator string) ([]float64, error) {
	elems := strings.Split(str, separator)
	out := make([]float64, len(elems))
	for i, elem := range elems {
		f, err := strconv.ParseFloat(strings.TrimSpace(elem), 64)
		if err != nil {
			return nil, fmt.Errorf("bad value %q in %q: %v", elem, str, err)
		}
		out[i] = f
	}
	return out, nil
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
