package tree

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/nodestore"
)

// Dump writes an indented text rendering of t, one node per line:
//
//	internal #3 split=f1<42 extent=[..]
//	  leaf #1 items=4 [7 9 12 13]
//
// When codec is non-nil leaves list their decoded shapes instead of payloads.
func Dump(ctx context.Context, s nodestore.Store, codec geometry.Codec, t Tree, w io.Writer) error {
	bw := bufio.NewWriter(w)
	if t.IsEmpty() {
		fmt.Fprintln(bw, "(empty)")
		return bw.Flush()
	}
	err := VisitNodes(ctx, s, t, func(ref nodestore.NodeRef, n *nodestore.Node, depth int) (bool, error) {
		indent := strings.Repeat("  ", depth)
		if !n.IsLeaf() {
			fmt.Fprintf(bw, "%sinternal #%d split=f%d<%d extent=%v..%v\n",
				indent, ref, n.Split.Dim, n.Split.Value, n.Extent.Min, n.Extent.Max)
			return true, nil
		}
		fmt.Fprintf(bw, "%sleaf #%d items=%d [", indent, ref, len(n.Items))
		for i, it := range n.Items {
			if i > 0 {
				bw.WriteByte(' ')
			}
			if codec == nil {
				fmt.Fprint(bw, it.Payload)
				continue
			}
			shape, err := codec.Decode(it.Value)
			if err != nil {
				return false, err
			}
			fmt.Fprintf(bw, "%d:%v", it.Payload, shape)
		}
		bw.WriteString("]\n")
		return true, nil
	})
	if err != nil {
		return err
	}
	return bw.Flush()
}
