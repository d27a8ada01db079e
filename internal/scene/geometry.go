package scene

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Box is an axis-aligned bounding box in world space (y up).
type Box struct {
	Min mgl64.Vec3 `json:"min"`
	Max mgl64.Vec3 `json:"max"`
}

// EmptyBox returns a box that any Union will replace.
func EmptyBox() Box {
	inf := math.Inf(1)
	return Box{
		Min: mgl64.Vec3{inf, inf, inf},
		Max: mgl64.Vec3{-inf, -inf, -inf},
	}
}

// Valid reports whether the box has finite corners with Min <= Max on every axis.
func (b Box) Valid() bool {
	for i := 0; i < 3; i++ {
		if math.IsNaN(b.Min[i]) || math.IsNaN(b.Max[i]) {
			return false
		}
		if math.IsInf(b.Min[i], 0) || math.IsInf(b.Max[i], 0) {
			return false
		}
		if b.Min[i] > b.Max[i] {
			return false
		}
	}
	return true
}

func (b Box) Size() mgl64.Vec3 {
	return b.Max.Sub(b.Min)
}

func (b Box) Center() mgl64.Vec3 {
	return b.Min.Add(b.Max).Mul(0.5)
}

// Height is the extent along y.
func (b Box) Height() float64 {
	return b.Max.Y() - b.Min.Y()
}

// TopCenter is the center of the top face.
func (b Box) TopCenter() mgl64.Vec3 {
	c := b.Center()
	return mgl64.Vec3{c.X(), b.Max.Y(), c.Z()}
}

// Union grows b to include o. Invalid operands are ignored.
func (b Box) Union(o Box) Box {
	if !o.Valid() {
		return b
	}
	if !b.Valid() {
		return o
	}
	out := b
	for i := 0; i < 3; i++ {
		out.Min[i] = math.Min(out.Min[i], o.Min[i])
		out.Max[i] = math.Max(out.Max[i], o.Max[i])
	}
	return out
}

// ContainsXZ reports whether the vertical column through (x, z) crosses the box.
func (b Box) ContainsXZ(x, z float64) bool {
	return x >= b.Min.X() && x <= b.Max.X() && z >= b.Min.Z() && z <= b.Max.Z()
}

// BoundingSphere encloses the box.
func (b Box) BoundingSphere() Sphere {
	return Sphere{Center: b.Center(), Radius: b.Size().Len() / 2}
}

// Sphere is a bounding sphere used for camera framing.
type Sphere struct {
	Center mgl64.Vec3 `json:"center"`
	Radius float64    `json:"radius"`
}
