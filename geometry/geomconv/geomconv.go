// Package geomconv converts github.com/twpayne/go-geom geometries and WKT
// text into the integer geometry types of the index.
package geomconv

import (
	"errors"
	"fmt"
	"math"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkt"

	"github.com/hupe1980/geobkd/geometry"
)

// ErrNotTriangle is returned for polygons that are not a single closed
// three-vertex ring.
var ErrNotTriangle = errors.New("polygon is not a triangle")

// Transform maps a planar (x, y) coordinate onto a Vertex.
type Transform func(x, y float64) (geometry.Vertex, error)

// LatLon treats x as longitude and y as latitude in degrees.
func LatLon(x, y float64) (geometry.Vertex, error) {
	lon, err := geometry.EncodeLongitude(x)
	if err != nil {
		return geometry.Vertex{}, err
	}
	lat, err := geometry.EncodeLatitude(y)
	if err != nil {
		return geometry.Vertex{}, err
	}
	return geometry.Vertex{X: lon, Y: lat}, nil
}

// Integer requires integral coordinates inside the int32 range.
func Integer(x, y float64) (geometry.Vertex, error) {
	ix, err := toInt32(x)
	if err != nil {
		return geometry.Vertex{}, err
	}
	iy, err := toInt32(y)
	if err != nil {
		return geometry.Vertex{}, err
	}
	return geometry.Vertex{X: ix, Y: iy}, nil
}

func toInt32(f float64) (int32, error) {
	if math.IsNaN(f) || f < math.MinInt32 || f > math.MaxInt32 || f != math.Trunc(f) {
		return 0, &geometry.CoordinateRangeError{Value: f, Min: math.MinInt32, Max: math.MaxInt32}
	}
	return int32(f), nil
}

// Converter turns go-geom values into geometry values.
type Converter struct {
	transform  Transform
	ab, bc, ca bool
}

// Option configures a Converter.
type Option func(*Converter)

// WithTransform sets the coordinate transform. The default is Integer.
func WithTransform(t Transform) Option {
	return func(c *Converter) { c.transform = t }
}

// WithEdges sets the polygon-boundary flags assigned to converted triangles.
// By default every edge is marked as a boundary edge.
func WithEdges(ab, bc, ca bool) Option {
	return func(c *Converter) { c.ab, c.bc, c.ca = ab, bc, ca }
}

// New creates a Converter.
func New(optFns ...Option) *Converter {
	c := &Converter{transform: Integer, ab: true, bc: true, ca: true}
	for _, fn := range optFns {
		fn(c)
	}
	return c
}

// Point converts a 2-D point.
func (c *Converter) Point(p *geom.Point) (geometry.Point, error) {
	if p.Empty() {
		return geometry.Point{}, fmt.Errorf("geomconv: empty point")
	}
	vx, err := c.transform(p.X(), p.Y())
	if err != nil {
		return geometry.Point{}, err
	}
	return vx.Point(), nil
}

// Triangle converts a polygon consisting of one ring of three distinct
// vertices. The ring may or may not repeat its first vertex.
func (c *Converter) Triangle(p *geom.Polygon) (geometry.Triangle, error) {
	if p.NumLinearRings() != 1 {
		return geometry.Triangle{}, fmt.Errorf("%w: %d rings", ErrNotTriangle, p.NumLinearRings())
	}
	coords := p.LinearRing(0).Coords()
	if n := len(coords); n == 4 && coords[0].Equal(p.Layout(), coords[3]) {
		coords = coords[:3]
	}
	if len(coords) != 3 {
		return geometry.Triangle{}, fmt.Errorf("%w: %d vertices", ErrNotTriangle, len(coords))
	}
	var vs [3]geometry.Vertex
	for i, co := range coords {
		vx, err := c.transform(co.X(), co.Y())
		if err != nil {
			return geometry.Triangle{}, err
		}
		vs[i] = vx
	}
	return geometry.NewTriangle(vs[0], vs[1], vs[2], c.ab, c.bc, c.ca)
}

// Triangles converts every polygon of a tessellated multipolygon.
func (c *Converter) Triangles(mp *geom.MultiPolygon) ([]geometry.Triangle, error) {
	out := make([]geometry.Triangle, 0, mp.NumPolygons())
	for i := 0; i < mp.NumPolygons(); i++ {
		t, err := c.Triangle(mp.Polygon(i))
		if err != nil {
			return nil, fmt.Errorf("polygon %d: %w", i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Box converts 2-D bounds into a query box.
func (c *Converter) Box(b *geom.Bounds) (geometry.BoundingBox, error) {
	if b.IsEmpty() {
		return geometry.EmptyBox(2), nil
	}
	lo, err := c.transform(b.Min(0), b.Min(1))
	if err != nil {
		return geometry.BoundingBox{}, err
	}
	hi, err := c.transform(b.Max(0), b.Max(1))
	if err != nil {
		return geometry.BoundingBox{}, err
	}
	return geometry.Box2D(lo.X, lo.Y, hi.X, hi.Y), nil
}

// Shapes converts a point, triangle polygon, multipoint or tessellated
// multipolygon into shapes.
func (c *Converter) Shapes(g geom.T) ([]geometry.Shape, error) {
	switch g := g.(type) {
	case *geom.Point:
		p, err := c.Point(g)
		if err != nil {
			return nil, err
		}
		return []geometry.Shape{p}, nil
	case *geom.MultiPoint:
		out := make([]geometry.Shape, 0, g.NumPoints())
		for i := 0; i < g.NumPoints(); i++ {
			p, err := c.Point(g.Point(i))
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, nil
	case *geom.Polygon:
		t, err := c.Triangle(g)
		if err != nil {
			return nil, err
		}
		return []geometry.Shape{t}, nil
	case *geom.MultiPolygon:
		ts, err := c.Triangles(g)
		if err != nil {
			return nil, err
		}
		out := make([]geometry.Shape, len(ts))
		for i, t := range ts {
			out[i] = t
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", geometry.ErrUnsupportedShape, g)
	}
}

// ParseWKT parses WKT text and converts it with Shapes.
func (c *Converter) ParseWKT(s string) ([]geometry.Shape, error) {
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, fmt.Errorf("geomconv: parse wkt: %w", err)
	}
	return c.Shapes(g)
}
