// Package merkle implements the Merkle-DAG node model (C2): the closed set
// of tagged node variants (Commit, Dir, VNode, File, Schema), their
// canonical binary serialization, and traversal/diff over the DAG they form.
package merkle

import (
	"github.com/oxcart/dvcs/internal/dvhash"
)

// Kind identifies which of the closed set of node variants a Node is. This
// mirrors gitcore.ObjectType: a fixed enum with a String method, matched
// exhaustively everywhere a Node is inspected.
type Kind uint8

const (
	KindCommit Kind = iota + 1
	KindDir
	KindVNode
	KindFile
	KindSchema
)

func (k Kind) String() string {
	switch k {
	case KindCommit:
		return "commit"
	case KindDir:
		return "dir"
	case KindVNode:
		return "vnode"
	case KindFile:
		return "file"
	case KindSchema:
		return "schema"
	default:
		return "unknown"
	}
}

// Node is implemented by every tagged variant in the Merkle-DAG. Callers
// type-switch on the concrete type after checking Kind(); the interface
// itself carries no behavior beyond identifying the variant.
type Node interface {
	Kind() Kind
}

// Commit is the root of a point-in-time snapshot: it names a tree, its
// parents, and authorship metadata. Its own hash is computed by commitlog,
// not here, since commit identity additionally depends on bookkeeping
// (mark_synced) that lives outside the tree model; see internal/commitlog.
type Commit struct {
	Parents       []dvhash.Hash
	Message       string
	Author        string
	Email         string
	TimestampSec  int64
	TimestampNsec int32
	RootTreeHash  dvhash.Hash
	MessageHash   dvhash.Hash
}

func (Commit) Kind() Kind { return KindCommit }

// Entry is one member of a VNode bucket: a File or a child Dir of the
// directory the bucket belongs to. A Dir never holds entries directly; its
// Children are the VNode buckets its entries were partitioned into.
type Entry struct {
	Name         string
	Hash         dvhash.Hash
	CombinedHash dvhash.Hash
	IsDir        bool
}

// Dir is a directory node. Its direct entries are bucketed into VNodes;
// Children holds one hash per bucket, in bucket order, with the zero hash
// for an empty bucket.
type Dir struct {
	Name         string
	CombinedHash dvhash.Hash
	Children     []dvhash.Hash // VNode hashes, in bucket order
}

func (Dir) Kind() Kind { return KindDir }

// VNode is an intermediate sharding layer: the entries of a directory,
// partitioned by a prefix of each entry's hash into a fixed number of
// buckets so that no single node serializes an unbounded directory.
type VNode struct {
	CombinedHash dvhash.Hash
	Entries      []Entry // File or Dir entries, sorted by name within the bucket
}

func (VNode) Kind() Kind { return KindVNode }

// File is a leaf node: one tracked file's content and metadata.
type File struct {
	Name         string
	ContentHash  dvhash.Hash
	CombinedHash dvhash.Hash
	MetadataHash dvhash.Hash // zero if absent
	NumBytes     uint64
	MtimeSec     int64
	MtimeNsec    int32
	DataType     string
	MimeType     string
	Extension    string
	LastCommitID dvhash.Hash
}

func (File) Kind() Kind { return KindFile }

// FieldSpec describes one column of a Schema.
type FieldSpec struct {
	Name     string
	DType    string
	Metadata string // opaque, empty if absent
}

// Schema describes the columns of a tabular file, attached alongside the
// File node it governs.
type Schema struct {
	Name   string
	Fields []FieldSpec
}

func (Schema) Kind() Kind { return KindSchema }
