package merkle

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/oxcart/dvcs/internal/dvcserr"
	"github.com/oxcart/dvcs/internal/dvhash"
)

// Canonical serialization: fields in fixed order, little-endian fixed-width
// numerics, length-prefixed (uint32) strings and arrays. This byte layout is
// part of the on-disk contract — node hashes are computed over it — and
// must never be reordered without a format version bump.

const op = "merkle"

type writer struct {
	buf bytes.Buffer
}

func (w *writer) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *writer) u32(v uint32) { _ = binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *writer) u64(v uint64) { _ = binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *writer) i64(v int64)  { _ = binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *writer) i32(v int32)  { _ = binary.Write(&w.buf, binary.LittleEndian, v) }

func (w *writer) hash(h dvhash.Hash) { w.buf.Write(h[:]) }

func (w *writer) str(s string) {
	w.u32(uint32(len(s))) //nolint:gosec // string lengths fit uint32 for repo-scale content
	w.buf.WriteString(s)
}

func (w *writer) hashSlice(hs []dvhash.Hash) {
	w.u32(uint32(len(hs))) //nolint:gosec // bounded by directory/parent fan-out
	for _, h := range hs {
		w.hash(h)
	}
}

type reader struct {
	r   *bytes.Reader
	err error
}

func newReader(b []byte) *reader { return &reader{r: bytes.NewReader(b)} }

func (r *reader) u8() uint8 {
	if r.err != nil {
		return 0
	}
	b, err := r.r.ReadByte()
	if err != nil {
		r.err = err
		return 0
	}
	return b
}

func (r *reader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	var v uint32
	if err := binary.Read(r.r, binary.LittleEndian, &v); err != nil {
		r.err = err
		return 0
	}
	return v
}

func (r *reader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	var v uint64
	if err := binary.Read(r.r, binary.LittleEndian, &v); err != nil {
		r.err = err
		return 0
	}
	return v
}

func (r *reader) i64() int64 {
	if r.err != nil {
		return 0
	}
	var v int64
	if err := binary.Read(r.r, binary.LittleEndian, &v); err != nil {
		r.err = err
		return 0
	}
	return v
}

func (r *reader) i32() int32 {
	if r.err != nil {
		return 0
	}
	var v int32
	if err := binary.Read(r.r, binary.LittleEndian, &v); err != nil {
		r.err = err
		return 0
	}
	return v
}

func (r *reader) hash() dvhash.Hash {
	var h dvhash.Hash
	if r.err != nil {
		return h
	}
	if _, err := io.ReadFull(r.r, h[:]); err != nil {
		r.err = err
	}
	return h
}

func (r *reader) str() string {
	n := r.u32()
	if r.err != nil {
		return ""
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.err = err
		return ""
	}
	return string(b)
}

func (r *reader) hashSlice() []dvhash.Hash {
	n := r.u32()
	if r.err != nil || n == 0 {
		return nil
	}
	out := make([]dvhash.Hash, n)
	for i := range out {
		out[i] = r.hash()
	}
	return out
}

// node type tags, the first byte of every serialized node.
const (
	tagCommit uint8 = 1
	tagDir    uint8 = 2
	tagVNode  uint8 = 3
	tagFile   uint8 = 4
	tagSchema uint8 = 5
)

// Encode canonically serializes n to bytes.
func Encode(n Node) ([]byte, error) {
	w := &writer{}
	switch v := n.(type) {
	case Commit:
		w.u8(tagCommit)
		w.hashSlice(v.Parents)
		w.str(v.Message)
		w.str(v.Author)
		w.str(v.Email)
		w.i64(v.TimestampSec)
		w.i32(v.TimestampNsec)
		w.hash(v.RootTreeHash)
		w.hash(v.MessageHash)
	case Dir:
		w.u8(tagDir)
		w.str(v.Name)
		w.hash(v.CombinedHash)
		w.hashSlice(v.Children)
	case VNode:
		w.u8(tagVNode)
		w.hash(v.CombinedHash)
		w.u32(uint32(len(v.Entries))) //nolint:gosec // bounded by bucket width
		for _, e := range v.Entries {
			w.str(e.Name)
			w.hash(e.Hash)
			w.hash(e.CombinedHash)
			if e.IsDir {
				w.u8(1)
			} else {
				w.u8(0)
			}
		}
	case File:
		w.u8(tagFile)
		w.str(v.Name)
		w.hash(v.ContentHash)
		w.hash(v.CombinedHash)
		w.hash(v.MetadataHash)
		w.u64(v.NumBytes)
		w.i64(v.MtimeSec)
		w.i32(v.MtimeNsec)
		w.str(v.DataType)
		w.str(v.MimeType)
		w.str(v.Extension)
		w.hash(v.LastCommitID)
	case Schema:
		w.u8(tagSchema)
		w.str(v.Name)
		w.u32(uint32(len(v.Fields))) //nolint:gosec // bounded by column count
		for _, f := range v.Fields {
			w.str(f.Name)
			w.str(f.DType)
			w.str(f.Metadata)
		}
	default:
		return nil, dvcserr.New(op+".Encode", dvcserr.CorruptTree).WithHint(fmt.Sprintf("unknown node type %T", n))
	}
	return w.buf.Bytes(), nil
}

// Decode parses a canonically serialized node.
func Decode(b []byte) (Node, error) {
	if len(b) == 0 {
		return nil, dvcserr.New(op+".Decode", dvcserr.CorruptTree).WithHint("empty node payload")
	}
	r := newReader(b[1:])
	switch b[0] {
	case tagCommit:
		c := Commit{
			Parents:       r.hashSlice(),
			Message:       r.str(),
			Author:        r.str(),
			Email:         r.str(),
			TimestampSec:  r.i64(),
			TimestampNsec: r.i32(),
			RootTreeHash:  r.hash(),
			MessageHash:   r.hash(),
		}
		return c, decodeErr(r)
	case tagDir:
		d := Dir{
			Name:         r.str(),
			CombinedHash: r.hash(),
			Children:     r.hashSlice(),
		}
		return d, decodeErr(r)
	case tagVNode:
		v := VNode{CombinedHash: r.hash()}
		n := r.u32()
		v.Entries = make([]Entry, 0, n)
		for i := uint32(0); i < n && r.err == nil; i++ {
			e := Entry{Name: r.str(), Hash: r.hash(), CombinedHash: r.hash()}
			e.IsDir = r.u8() == 1
			v.Entries = append(v.Entries, e)
		}
		return v, decodeErr(r)
	case tagFile:
		f := File{
			Name:         r.str(),
			ContentHash:  r.hash(),
			CombinedHash: r.hash(),
			MetadataHash: r.hash(),
			NumBytes:     r.u64(),
			MtimeSec:     r.i64(),
			MtimeNsec:    r.i32(),
			DataType:     r.str(),
			MimeType:     r.str(),
			Extension:    r.str(),
			LastCommitID: r.hash(),
		}
		return f, decodeErr(r)
	case tagSchema:
		s := Schema{Name: r.str()}
		n := r.u32()
		s.Fields = make([]FieldSpec, 0, n)
		for i := uint32(0); i < n && r.err == nil; i++ {
			s.Fields = append(s.Fields, FieldSpec{Name: r.str(), DType: r.str(), Metadata: r.str()})
		}
		return s, decodeErr(r)
	default:
		return nil, dvcserr.New(op+".Decode", dvcserr.CorruptTree).WithHint(fmt.Sprintf("unknown tag %d", b[0]))
	}
}

func decodeErr(r *reader) error {
	if r.err != nil {
		return dvcserr.Wrap(op+".Decode", dvcserr.CorruptTree, r.err)
	}
	return nil
}
