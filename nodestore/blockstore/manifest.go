package blockstore

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/hupe1980/geobkd/codec"
	"github.com/hupe1980/geobkd/geometry"
)

const (
	blockPrefix    = "blocks/"
	manifestPrefix = "manifests/"

	manifestVersion = 1
)

func blockName(id uint64) string {
	return fmt.Sprintf("%s%016x.blk", blockPrefix, id)
}

// manifestName encodes the commit version and the codec that wrote it.
func manifestName(version uint64, c codec.Codec) string {
	return fmt.Sprintf("%s%020d.%s", manifestPrefix, version, c.Name())
}

func parseManifestName(name string) (uint64, codec.Codec, error) {
	base := path.Base(name)
	num, ext, ok := strings.Cut(base, ".")
	if !ok || !strings.HasPrefix(name, manifestPrefix) {
		return 0, nil, fmt.Errorf("blockstore: invalid manifest name %q", name)
	}
	v, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("blockstore: invalid manifest name %q: %w", name, err)
	}
	c, ok := codec.ByName(ext)
	if !ok {
		return 0, nil, fmt.Errorf("blockstore: manifest %q written with unknown codec", name)
	}
	return v, c, nil
}

type layoutInfo struct {
	NumFields      int `json:"num_fields" cbor:"1,keyasint"`
	NumIndexFields int `json:"num_index_fields" cbor:"2,keyasint"`
	BytesPerField  int `json:"bytes_per_field" cbor:"3,keyasint"`
}

func (l layoutInfo) layout() geometry.Layout {
	return geometry.Layout{NumFields: l.NumFields, NumIndexFields: l.NumIndexFields, BytesPerField: l.BytesPerField}
}

type nodeEntry struct {
	Ref   uint64 `json:"ref" cbor:"1,keyasint"`
	Block uint64 `json:"block" cbor:"2,keyasint"`
	Off   uint32 `json:"off" cbor:"3,keyasint"`
	Len   uint32 `json:"len" cbor:"4,keyasint"`
}

type blockEntry struct {
	ID   uint64 `json:"id" cbor:"1,keyasint"`
	Size int64  `json:"size" cbor:"2,keyasint"`
}

// manifest is the committed state of a block store.
type manifest struct {
	FormatVersion int          `json:"format_version" cbor:"1,keyasint"`
	ID            string       `json:"id" cbor:"2,keyasint"`
	Root          uint64       `json:"root" cbor:"3,keyasint"`
	Count         uint64       `json:"count" cbor:"4,keyasint"`
	LeafCapacity  int          `json:"leaf_capacity" cbor:"5,keyasint"`
	Height        int          `json:"height" cbor:"6,keyasint"`
	Layout        layoutInfo   `json:"layout" cbor:"7,keyasint"`
	Compression   Compression  `json:"compression" cbor:"8,keyasint"`
	NextRef       uint64       `json:"next_ref" cbor:"9,keyasint"`
	NextBlock     uint64       `json:"next_block" cbor:"10,keyasint"`
	Nodes         []nodeEntry  `json:"nodes" cbor:"11,keyasint"`
	Blocks        []blockEntry `json:"blocks" cbor:"12,keyasint"`
}
