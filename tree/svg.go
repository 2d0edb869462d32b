package tree

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"

	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/nodestore"
)

// SVGOptions controls WriteSVG.
type SVGOptions struct {
	// Width and Height of the image in pixels. Default 800×800.
	Width, Height int
	// Query, when non-empty, is drawn on top of the tree.
	Query geometry.BoundingBox
	// Highlight marks payloads drawn in the query color, typically the
	// results of Query.
	Highlight map[nodestore.PayloadID]bool
}

var depthColors = []string{"#1f77b4", "#ff7f0e", "#2ca02c", "#d62728", "#9467bd", "#8c564b", "#e377c2", "#7f7f7f"}

const queryColor = "#e31a1c"

// WriteSVG renders the first two dimensions of a tree as SVG: node extents as
// rectangles colored by depth and the stored shapes inside the leaves.
func WriteSVG(ctx context.Context, s nodestore.Store, codec geometry.Codec, t Tree, w io.Writer, opts SVGOptions) error {
	if opts.Width <= 0 {
		opts.Width = 800
	}
	if opts.Height <= 0 {
		opts.Height = 800
	}

	type entry struct {
		box   geometry.BoundingBox
		depth int
		leaf  *nodestore.Node
	}
	var entries []entry
	world := geometry.EmptyBox(2)
	err := VisitNodes(ctx, s, t, func(_ nodestore.NodeRef, n *nodestore.Node, depth int) (bool, error) {
		ext := n.Bounds(s.Layout())
		if ext.IsEmpty() {
			return true, nil
		}
		box := codec.Extent(ext.Min, ext.Max)
		if box.Dims() < 2 {
			return false, fmt.Errorf("svg: %d-dimensional extent", box.Dims())
		}
		box = geometry.Box2D(box.Min(0), box.Min(1), box.Max(0), box.Max(1))
		world = world.Union(box)
		e := entry{box: box, depth: depth}
		if n.IsLeaf() {
			e.leaf = n
		}
		entries = append(entries, e)
		return true, nil
	})
	if err != nil {
		return err
	}
	if !opts.Query.IsEmpty() && opts.Query.Dims() >= 2 {
		world = world.Union(geometry.Box2D(opts.Query.Min(0), opts.Query.Min(1), opts.Query.Max(0), opts.Query.Max(1)))
	}

	p := projection{w: float64(opts.Width), h: float64(opts.Height)}
	if !world.IsEmpty() {
		p.minX, p.minY = float64(world.Min(0)), float64(world.Min(1))
		p.spanX = math.Max(float64(world.Max(0))-p.minX, 1)
		p.spanY = math.Max(float64(world.Max(1))-p.minY, 1)
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="-10 -10 %d %d">`+"\n",
		opts.Width, opts.Height, opts.Width+20, opts.Height+20)
	for _, e := range entries {
		color := depthColors[e.depth%len(depthColors)]
		x0, y0 := p.at(float64(e.box.Min(0)), float64(e.box.Max(1)))
		x1, y1 := p.at(float64(e.box.Max(0)), float64(e.box.Min(1)))
		fmt.Fprintf(bw, `<rect x="%.2f" y="%.2f" width="%.2f" height="%.2f" fill="none" stroke="%s" stroke-width="1"/>`+"\n",
			x0, y0, x1-x0, y1-y0, color)
		if e.leaf == nil {
			continue
		}
		for _, it := range e.leaf.Items {
			shape, err := codec.Decode(it.Value)
			if err != nil {
				return err
			}
			fill := "#444444"
			if opts.Highlight[it.Payload] {
				fill = queryColor
			}
			p.shape(bw, shape, fill)
		}
	}
	if !opts.Query.IsEmpty() && opts.Query.Dims() >= 2 {
		x0, y0 := p.at(float64(opts.Query.Min(0)), float64(opts.Query.Max(1)))
		x1, y1 := p.at(float64(opts.Query.Max(0)), float64(opts.Query.Min(1)))
		fmt.Fprintf(bw, `<rect x="%.2f" y="%.2f" width="%.2f" height="%.2f" fill="%s" fill-opacity="0.15" stroke="%s" stroke-width="2"/>`+"\n",
			x0, y0, x1-x0, y1-y0, queryColor, queryColor)
	}
	bw.WriteString("</svg>\n")
	return bw.Flush()
}

type projection struct {
	minX, minY, spanX, spanY float64
	w, h                     float64
}

// at maps world coordinates to image coordinates with Y pointing up.
func (p projection) at(x, y float64) (float64, float64) {
	if p.spanX == 0 {
		return 0, 0
	}
	return (x - p.minX) / p.spanX * p.w, p.h - (y-p.minY)/p.spanY*p.h
}

func (p projection) shape(w *bufio.Writer, shape geometry.Shape, fill string) {
	switch sh := shape.(type) {
	case geometry.Triangle:
		a, b, c := sh.Vertices()
		ax, ay := p.at(float64(a.X), float64(a.Y))
		bx, by := p.at(float64(b.X), float64(b.Y))
		cx, cy := p.at(float64(c.X), float64(c.Y))
		fmt.Fprintf(w, `<polygon points="%.2f,%.2f %.2f,%.2f %.2f,%.2f" fill="%s" fill-opacity="0.5"/>`+"\n",
			ax, ay, bx, by, cx, cy, fill)
	case geometry.Point:
		if sh.Dims() < 2 {
			return
		}
		x, y := p.at(float64(sh.Coord(0)), float64(sh.Coord(1)))
		fmt.Fprintf(w, `<circle cx="%.2f" cy="%.2f" r="2" fill="%s"/>`+"\n", x, y, fill)
	}
}
