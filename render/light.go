package render

import "cogentcore.org/core/math32"

type LightKind uint8

const (
	LightPoint LightKind = iota
	LightSpot
	LightDirectional
)

// Light is one dynamic light in a frame. Kind selects which geometric
// fields are meaningful: point lights use Position and Radius, spot lights
// all of Position, Direction, Radius and ConeAngle, directional lights only
// Direction.
type Light struct {
	Kind LightKind

	Position  math32.Vector3
	Direction math32.Vector3

	Color     Color
	Intensity float32

	// Radius is the falloff range of point and spot lights, in world
	// units. Fragments beyond it receive no contribution, which is what
	// makes scissoring the accumulation draw valid.
	Radius float32

	// ConeAngle is the full apex angle of a spot light's cone, in
	// degrees.
	ConeAngle float32

	CastsShadows bool
}

// Bounds returns the world-space box the light can influence, and false for
// directional lights, which influence everything.
func (l *Light) Bounds() (math32.Box3, bool) {
	if l.Kind == LightDirectional {
		return math32.B3Empty(), false
	}
	box := math32.B3Empty()
	box.ExpandByPoint(l.Position)
	box.ExpandByScalar(l.Radius)
	return box, true
}
