// Package spatial answers nearest-point and bounding-box queries over a
// 2-D latitude/longitude grid.
package spatial

import (
	"errors"
	"fmt"
)

// ErrOutOfDomain is returned when a query point is farther than
// maxSquaredDistance from every grid cell.
var ErrOutOfDomain = errors.New("no grid point within 1 degree of requested lat/lon")

// maxSquaredDistance is the tolerance for nearest-point queries, in squared
// degrees. A larger minimum means the caller asked about a point outside
// the grid's geographic coverage.
const maxSquaredDistance = 1.0

// Grid holds a 2-D curvilinear lat/lon grid in row-major order.
type Grid struct {
	Lat []float64 // ny*nx, row-major
	Lon []float64
	NY  int
	NX  int

	// inverseLat is true when row index increases as latitude decreases.
	inverseLat bool
	// lon360 is true when the grid stores longitudes in 0-360 convention.
	lon360 bool
}

// NewGrid validates the arrays and detects the grid's row ordering and
// longitude convention.
func NewGrid(lat, lon []float64, ny, nx int) (*Grid, error) {
	if ny <= 0 || nx <= 0 {
		return nil, fmt.Errorf("spatial: invalid grid shape %dx%d", ny, nx)
	}
	if len(lat) != ny*nx || len(lon) != ny*nx {
		return nil, fmt.Errorf("spatial: grid arrays must have %d values, got %d and %d",
			ny*nx, len(lat), len(lon))
	}
	g := &Grid{Lat: lat, Lon: lon, NY: ny, NX: nx}
	if ny > 1 {
		g.inverseLat = lat[0] > lat[(ny-1)*nx]
	}
	for _, l := range lon {
		if l > 180 {
			g.lon360 = true
			break
		}
	}
	return g, nil
}

// Nearest returns the (y, x) index of the grid cell closest to the given
// point, measured as squared angular distance in degrees. It returns
// ErrOutOfDomain when the closest cell is more than one squared degree away.
func (g *Grid) Nearest(lat, lon float64) (int, int, error) {
	if g.lon360 && lon < 0 {
		lon += 360
	}
	best := -1
	bestDist := 0.0
	for i := range g.Lat {
		dy := g.Lat[i] - lat
		dx := g.Lon[i] - lon
		d := dy*dy + dx*dx
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	if bestDist > maxSquaredDistance {
		return 0, 0, fmt.Errorf("%w: (%.3f, %.3f)", ErrOutOfDomain, lat, lon)
	}
	return best / g.NX, best % g.NX, nil
}

// Bounds resolves a latitude and longitude range to inclusive index ranges.
// The returned pairs are always ordered low-to-high regardless of the
// grid's physical row orientation.
func (g *Grid) Bounds(latRange, lonRange [2]float64) (yRange, xRange [2]int, err error) {
	latLo, latHi := minMax(latRange[0], latRange[1])
	lonLo, lonHi := minMax(lonRange[0], lonRange[1])

	y1, x1, err := g.Nearest(latLo, lonLo)
	if err != nil {
		return yRange, xRange, err
	}
	y2, x2, err := g.Nearest(latHi, lonHi)
	if err != nil {
		return yRange, xRange, err
	}
	if g.inverseLat {
		y1, y2 = y2, y1
	}
	if y1 > y2 {
		y1, y2 = y2, y1
	}
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	return [2]int{y1, y2}, [2]int{x1, x2}, nil
}

func minMax(a, b float64) (float64, float64) {
	if a > b {
		return b, a
	}
	return a, b
}
