package merkle

import (
	"log/slog"

	"github.com/oxcart/dvcs/internal/dvcserr"
	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/objstore"
)

// Store reads and writes Merkle nodes through an underlying content-
// addressed blob store. Unlike objstore, which is a flat byte store, Store
// understands the Node type switch and is the component diff/walk/commit
// logic is built against.
type Store struct {
	objects *objstore.Store
	logger  *slog.Logger
}

// NewStore wraps an objstore.Store as a node store.
func NewStore(objects *objstore.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{objects: objects, logger: logger}
}

// ReadNode reads and decodes the node stored at hash.
func (s *Store) ReadNode(hash dvhash.Hash) (Node, error) {
	b, err := s.objects.GetBytes(hash)
	if err != nil {
		return nil, dvcserr.Wrap(op+".ReadNode", dvcserr.KindOf(err), err).WithPath(hash.String())
	}
	n, err := Decode(b)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// WriteNode canonically serializes n and stores it, returning its hash.
func (s *Store) WriteNode(n Node) (dvhash.Hash, error) {
	b, err := Encode(n)
	if err != nil {
		return dvhash.Zero, err
	}
	h, err := s.objects.Put(b)
	if err != nil {
		return dvhash.Zero, dvcserr.Wrap(op+".WriteNode", dvcserr.IOError, err)
	}
	return h, nil
}

// ReadDir reads hash and asserts it is a Dir.
func (s *Store) ReadDir(hash dvhash.Hash) (Dir, error) {
	n, err := s.ReadNode(hash)
	if err != nil {
		return Dir{}, err
	}
	d, ok := n.(Dir)
	if !ok {
		return Dir{}, dvcserr.New(op+".ReadDir", dvcserr.CorruptTree).WithPath(hash.String())
	}
	return d, nil
}

// ReadVNode reads hash and asserts it is a VNode.
func (s *Store) ReadVNode(hash dvhash.Hash) (VNode, error) {
	n, err := s.ReadNode(hash)
	if err != nil {
		return VNode{}, err
	}
	v, ok := n.(VNode)
	if !ok {
		return VNode{}, dvcserr.New(op+".ReadVNode", dvcserr.CorruptTree).WithPath(hash.String())
	}
	return v, nil
}

// ReadFile reads hash and asserts it is a File.
func (s *Store) ReadFile(hash dvhash.Hash) (File, error) {
	n, err := s.ReadNode(hash)
	if err != nil {
		return File{}, err
	}
	f, ok := n.(File)
	if !ok {
		return File{}, dvcserr.New(op+".ReadFile", dvcserr.CorruptTree).WithPath(hash.String())
	}
	return f, nil
}
