package viewer

// Affine3D is a 3D affine transform stored as the top three rows of a 4x4
// matrix in row-major order.
type Affine3D [12]float64

func Identity() Affine3D {
	return Affine3D{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
	}
}

// Scale returns a transform scaling each axis independently.
func Scale(sx, sy, sz float64) Affine3D {
	return Affine3D{
		sx, 0, 0, 0,
		0, sy, 0, 0,
		0, 0, sz, 0,
	}
}

func Translation(tx, ty, tz float64) Affine3D {
	return Affine3D{
		1, 0, 0, tx,
		0, 1, 0, ty,
		0, 0, 1, tz,
	}
}

func (a Affine3D) get(row, col int) float64 {
	return a[row*4+col]
}

// mul returns a*b, i.e. b applied first.
func mul(a, b Affine3D) Affine3D {
	var r Affine3D
	for row := 0; row < 3; row++ {
		for col := 0; col < 4; col++ {
			v := a.get(row, 0)*b.get(0, col) + a.get(row, 1)*b.get(1, col) + a.get(row, 2)*b.get(2, col)
			if col == 3 {
				v += a.get(row, 3)
			}
			r[row*4+col] = v
		}
	}
	return r
}

// Concatenate returns a transform that applies b, then a.
func (a Affine3D) Concatenate(b Affine3D) Affine3D {
	return mul(a, b)
}

// PreConcatenate returns a transform that applies a, then b.
func (a Affine3D) PreConcatenate(b Affine3D) Affine3D {
	return mul(b, a)
}

func (a Affine3D) Apply(p [3]float64) [3]float64 {
	var r [3]float64
	for row := 0; row < 3; row++ {
		r[row] = a.get(row, 0)*p[0] + a.get(row, 1)*p[1] + a.get(row, 2)*p[2] + a.get(row, 3)
	}
	return r
}
