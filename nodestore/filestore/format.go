package filestore

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/internal/hash"
	"github.com/hupe1980/geobkd/nodestore"
)

// File layout:
//
//	header:  magic "BKDF" | version u16 | layout [6]byte | crc32 u32
//	record:  type u8 | ref u64 | len u32 | body [len]byte | crc32 u32
//
// The crc of a record covers type, ref, len and body. A commit appends a
// table record (the live ref → offset map) followed by a footer record whose
// body is the codec-encoded footer. Records past the last valid footer are
// uncommitted and discarded on open.
var fileMagic = [4]byte{'B', 'K', 'D', 'F'}

const (
	fileVersion = uint16(1)
	headerSize  = 4 + 2 + nodestore.LayoutSize + 4

	recordHeaderSize = 1 + 8 + 4
	recordTrailer    = 4
)

type recordType uint8

const (
	recordNode recordType = iota + 1
	recordTable
	recordFooter
)

func encodeHeader(l geometry.Layout) []byte {
	b := make([]byte, 0, headerSize)
	b = append(b, fileMagic[:]...)
	b = binary.LittleEndian.AppendUint16(b, fileVersion)
	b = nodestore.AppendLayout(b, l)
	return binary.LittleEndian.AppendUint32(b, hash.CRC32C(b))
}

func decodeHeader(b []byte) (geometry.Layout, error) {
	if len(b) < headerSize {
		return geometry.Layout{}, geometry.NewMalformedEncodingError("filestore: truncated header", len(b), nil)
	}
	if [4]byte(b[:4]) != fileMagic {
		return geometry.Layout{}, geometry.NewMalformedEncodingError("filestore: invalid header magic", len(b), nil)
	}
	if got := binary.LittleEndian.Uint32(b[headerSize-4:]); got != hash.CRC32C(b[:headerSize-4]) {
		return geometry.Layout{}, geometry.NewMalformedEncodingError("filestore: header checksum mismatch", len(b), nil)
	}
	if v := binary.LittleEndian.Uint16(b[4:]); v != fileVersion {
		return geometry.Layout{}, fmt.Errorf("filestore: unsupported version %d", v)
	}
	return nodestore.ParseLayout(b[6:])
}

func appendRecord(dst []byte, typ recordType, ref nodestore.NodeRef, body []byte) []byte {
	start := len(dst)
	dst = append(dst, byte(typ))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(ref))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(body)))
	dst = append(dst, body...)
	return binary.LittleEndian.AppendUint32(dst, hash.CRC32C(dst[start:]))
}

// recordHeader is the fixed prefix of a record.
type recordHeader struct {
	typ recordType
	ref nodestore.NodeRef
	len uint32
}

func parseRecordHeader(b []byte) recordHeader {
	return recordHeader{
		typ: recordType(b[0]),
		ref: nodestore.NodeRef(binary.LittleEndian.Uint64(b[1:])),
		len: binary.LittleEndian.Uint32(b[9:]),
	}
}

func (h recordHeader) size() int64 {
	return recordHeaderSize + int64(h.len) + recordTrailer
}

// verifyRecord checks the crc of a complete record and returns its body.
func verifyRecord(rec []byte) ([]byte, error) {
	n := len(rec) - recordTrailer
	if n < recordHeaderSize {
		return nil, geometry.NewMalformedEncodingError("filestore: truncated record", len(rec), nil)
	}
	if binary.LittleEndian.Uint32(rec[n:]) != hash.CRC32C(rec[:n]) {
		return nil, geometry.NewMalformedEncodingError("filestore: record checksum mismatch", len(rec), nil)
	}
	return rec[recordHeaderSize:n], nil
}

// location is where the latest record of a ref lives.
type location struct {
	off int64
	len uint32
}

const tableEntrySize = 8 + 8 + 4

func encodeTable(table map[nodestore.NodeRef]location) []byte {
	b := make([]byte, 0, 4+len(table)*tableEntrySize)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(table)))
	for ref, loc := range table {
		b = binary.LittleEndian.AppendUint64(b, uint64(ref))
		b = binary.LittleEndian.AppendUint64(b, uint64(loc.off))
		b = binary.LittleEndian.AppendUint32(b, loc.len)
	}
	return b
}

func decodeTable(b []byte) (map[nodestore.NodeRef]location, error) {
	if len(b) < 4 {
		return nil, geometry.NewMalformedEncodingError("filestore: truncated table", len(b), nil)
	}
	n := int(binary.LittleEndian.Uint32(b))
	if len(b) != 4+n*tableEntrySize {
		return nil, geometry.NewMalformedEncodingError("filestore: table has wrong length", len(b), nil)
	}
	table := make(map[nodestore.NodeRef]location, n)
	off := 4
	for i := 0; i < n; i++ {
		ref := nodestore.NodeRef(binary.LittleEndian.Uint64(b[off:]))
		table[ref] = location{
			off: int64(binary.LittleEndian.Uint64(b[off+8:])),
			len: binary.LittleEndian.Uint32(b[off+16:]),
		}
		off += tableEntrySize
	}
	return table, nil
}

// footer is the codec-encoded body of a footer record.
type footer struct {
	ID           string `json:"id" cbor:"1,keyasint"`
	Root         uint64 `json:"root" cbor:"2,keyasint"`
	Count        uint64 `json:"count" cbor:"3,keyasint"`
	LeafCapacity int    `json:"leaf_capacity" cbor:"4,keyasint"`
	Height       int    `json:"height" cbor:"5,keyasint"`
	TableOffset  int64  `json:"table_offset" cbor:"6,keyasint"`
	NextRef      uint64 `json:"next_ref" cbor:"7,keyasint"`
}
