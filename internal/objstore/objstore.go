// Package objstore implements the content-addressed blob store (C1): a
// write-once, read-many set of immutable blobs keyed by their dvhash.Hash,
// sharded two levels deep on disk.
package objstore

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/golang/groupcache/lru"

	"github.com/oxcart/dvcs/internal/dvcserr"
	"github.com/oxcart/dvcs/internal/dvhash"
)

const op = "objstore"

// cacheEntries bounds the LRU cache of hashes known to be present, which
// lets Exists skip a stat; it is a pure performance knob, never a
// correctness requirement, since content is immutable.
const cacheEntries = 2048

// Store is a content-addressed blob store rooted at a directory, normally
// "<repo>/.dvcs/objects".
type Store struct {
	root   string
	logger *slog.Logger

	cache *lru.Cache
}

// Open returns a Store rooted at root, creating the directory if needed.
func Open(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, dvcserr.Wrap(op+".Open", dvcserr.IOError, err)
	}
	return &Store{
		root:   root,
		logger: logger,
		cache:  lru.New(cacheEntries),
	}, nil
}

func (s *Store) path(h dvhash.Hash) string {
	shard1, shard2 := h.ShardPath()
	return filepath.Join(s.root, shard1, shard2, "data")
}

// Exists reports whether hash h is present in the store.
func (s *Store) Exists(h dvhash.Hash) bool {
	if _, ok := s.cache.Get(h); ok {
		return true
	}
	_, err := os.Stat(s.path(h))
	return err == nil
}

// Put writes b to the store and returns its content hash. Put is idempotent:
// writing the same bytes twice, even concurrently, yields the same hash and
// leaves a single copy on disk.
func (s *Store) Put(b []byte) (dvhash.Hash, error) {
	h := dvhash.Sum(b)
	if s.Exists(h) {
		return h, nil
	}
	dst := s.path(h)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return h, dvcserr.Wrap(op+".Put", dvcserr.IOError, err)
	}

	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return h, dvcserr.Wrap(op+".Put", dvcserr.IOError, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return h, dvcserr.Wrap(op+".Put", dvcserr.IOError, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return h, dvcserr.Wrap(op+".Put", dvcserr.IOError, err)
	}
	if err := tmp.Close(); err != nil {
		return h, dvcserr.Wrap(op+".Put", dvcserr.IOError, err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		// Another writer may have won the race with identical bytes;
		// that is correct per the "last-writer-wins via rename" policy
		// because content-addressing guarantees the bytes are identical.
		if s.Exists(h) {
			tmpPath = ""
			return h, nil
		}
		return h, dvcserr.Wrap(op+".Put", dvcserr.IOError, err)
	}
	tmpPath = ""
	s.cache.Add(h, struct{}{})
	s.logger.Debug("object stored", "hash", h.Short(), "bytes", len(b))
	return h, nil
}

// PutFromPath streams path into the store without loading it fully into
// memory beyond the hashing/copy buffer, returning the resulting hash.
func (s *Store) PutFromPath(path string) (dvhash.Hash, error) {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled, not user input over a trust boundary
	if err != nil {
		return dvhash.Zero, dvcserr.Wrap(op+".PutFromPath", dvcserr.IOError, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			s.logger.Warn("closing source file", "path", path, "error", cerr)
		}
	}()

	hasher := dvhash.NewStreamHasher()
	dir := filepath.Join(s.root, "tmp")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return dvhash.Zero, dvcserr.Wrap(op+".PutFromPath", dvcserr.IOError, err)
	}
	tmp, err := os.CreateTemp(dir, "stage-*")
	if err != nil {
		return dvhash.Zero, dvcserr.Wrap(op+".PutFromPath", dvcserr.IOError, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()

	w := io.MultiWriter(tmp, hasher)
	if _, err := io.Copy(w, bufio.NewReader(f)); err != nil {
		_ = tmp.Close()
		return dvhash.Zero, dvcserr.Wrap(op+".PutFromPath", dvcserr.IOError, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return dvhash.Zero, dvcserr.Wrap(op+".PutFromPath", dvcserr.IOError, err)
	}
	if err := tmp.Close(); err != nil {
		return dvhash.Zero, dvcserr.Wrap(op+".PutFromPath", dvcserr.IOError, err)
	}

	h := hasher.Sum()
	dst := s.path(h)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return h, dvcserr.Wrap(op+".PutFromPath", dvcserr.IOError, err)
	}
	if s.Exists(h) {
		return h, nil
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		if s.Exists(h) {
			tmpPath = ""
			return h, nil
		}
		return h, dvcserr.Wrap(op+".PutFromPath", dvcserr.IOError, err)
	}
	tmpPath = ""
	s.cache.Add(h, struct{}{})
	return h, nil
}

// Get returns a streaming reader for h. The caller must Close it. Get fails
// with dvcserr.NotFound if h is absent.
func (s *Store) Get(h dvhash.Hash) (io.ReadCloser, error) {
	f, err := os.Open(s.path(h)) //nolint:gosec // path derived from validated hash
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dvcserr.New(op+".Get", dvcserr.NotFound).WithPath(h.String())
		}
		return nil, dvcserr.Wrap(op+".Get", dvcserr.IOError, err)
	}
	return f, nil
}

// GetBytes reads the full contents addressed by h.
func (s *Store) GetBytes(h dvhash.Hash) ([]byte, error) {
	r, err := s.Get(h)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, dvcserr.Wrap(op+".GetBytes", dvcserr.IOError, err)
	}
	return b, nil
}

// GetVerified reads the bytes addressed by h and re-hashes them, returning
// dvcserr.CorruptObject if the stored content no longer matches its key.
func (s *Store) GetVerified(h dvhash.Hash) ([]byte, error) {
	b, err := s.GetBytes(h)
	if err != nil {
		return nil, err
	}
	if got := dvhash.Sum(b); got != h {
		return nil, dvcserr.New(op+".GetVerified", dvcserr.CorruptObject).
			WithPath(h.String()).
			WithHint(fmt.Sprintf("stored content hashes to %s, expected %s", got, h))
	}
	return b, nil
}

// OpenRange returns a reader over [offset, offset+length) of the blob
// addressed by h.
func (s *Store) OpenRange(h dvhash.Hash, offset, length int64) (io.ReadCloser, error) {
	f, err := os.Open(s.path(h)) //nolint:gosec // path derived from validated hash
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dvcserr.New(op+".OpenRange", dvcserr.NotFound).WithPath(h.String())
		}
		return nil, dvcserr.Wrap(op+".OpenRange", dvcserr.IOError, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, dvcserr.Wrap(op+".OpenRange", dvcserr.IOError, err)
	}
	return &limitedReadCloser{r: io.LimitReader(f, length), c: f}, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error               { return l.c.Close() }

// Walk visits every hash currently stored. Order is unspecified.
func (s *Store) Walk(fn func(dvhash.Hash) error) error {
	return filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Base(path) != "data" {
			return nil
		}
		rel, err := filepath.Rel(s.root, filepath.Dir(filepath.Dir(path)))
		if err != nil {
			return nil
		}
		shard2 := filepath.Base(filepath.Dir(path))
		shard1 := filepath.Base(filepath.Dir(filepath.Dir(path)))
		if rel == "tmp" {
			return nil
		}
		h, err := dvhash.ParseHash(shard1 + shard2)
		if err != nil {
			return nil
		}
		return fn(h)
	})
}
