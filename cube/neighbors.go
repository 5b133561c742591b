package cube

import (
	"github.com/janelia-flyem/slicecube/dvid"
)

// Suggestion is a speculative neighbor with the suggested-queue it belongs to (1 or 2).
type Suggestion struct {
	Key   Key
	Queue int
}

type neighborOffset struct {
	d     dvid.Point3d
	queue int
}

// neighborTable holds the 26 neighbors in the order they are suggested.  Face
// neighbors continue the same plane or column and go to queue 1; edge and corner
// neighbors go to queue 2.
var neighborTable = func() []neighborOffset {
	table := make([]neighborOffset, 0, 26)
	for n := 1; n <= 3; n++ {
		for dz := int32(-1); dz <= 1; dz++ {
			for dy := int32(-1); dy <= 1; dy++ {
				for dx := int32(-1); dx <= 1; dx++ {
					nonzero := 0
					for _, c := range [3]int32{dx, dy, dz} {
						if c != 0 {
							nonzero++
						}
					}
					if nonzero != n {
						continue
					}
					queue := 2
					if n == 1 {
						queue = 1
					}
					table = append(table, neighborOffset{dvid.Point3d{dx, dy, dz}, queue})
				}
			}
		}
	}
	return table
}()

// Neighbors returns the in-bounds 26-neighborhood of a regular cube.  The motion vector
// is the direction of travel of recently needed cubes; neighbors ahead of the motion are
// promoted to queue 1 and neighbors behind it are demoted to queue 2.  A zero motion
// leaves the table assignments untouched.
func Neighbors(k Key, cubeSize, extent, motion dvid.Point3d) []Suggestion {
	if k.Kind != Regular {
		return nil
	}
	var dir dvid.Point3d
	for i, m := range motion {
		switch {
		case m > 0:
			dir[i] = 1
		case m < 0:
			dir[i] = -1
		}
	}
	origin := k.Offset()
	out := make([]Suggestion, 0, 26)
	for _, n := range neighborTable {
		p := origin.Add(n.d.Mult(cubeSize))
		if !p.Inside(extent) {
			continue
		}
		queue := n.queue
		dot := n.d[0]*dir[0] + n.d[1]*dir[1] + n.d[2]*dir[2]
		switch {
		case dot > 0:
			queue = 1
		case dot < 0:
			queue = 2
		}
		out = append(out, Suggestion{Key: NewKey(k.Channel, p), Queue: queue})
	}
	return out
}
