package remote

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/weaveforge/weaveforge/internal/hashkey"
)

// BlobStore is a content-addressed artifact store: blobs are named by the
// SHA-256 digest of their contents, matching the Hasher's own digest so an
// uploaded input's blob name equals its cache-key contribution (spec.md
// §4.13, "uploads input content-addressed blobs to an artifact store").
type BlobStore struct {
	root   string
	hasher *hashkey.Hasher
}

func NewBlobStore(root string, hasher *hashkey.Hasher) (*BlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &BlobStore{root: root, hasher: hasher}, nil
}

func (s *BlobStore) path(digest string) string {
	return filepath.Join(s.root, digest[:2], digest)
}

// Upload copies localPath's contents into the store, returning its digest.
func (s *BlobStore) Upload(localPath string) (string, error) {
	digest, err := s.hasher.HashFile(localPath)
	if err != nil {
		return "", xerrors.Errorf("remote: upload %s: %w", localPath, err)
	}
	dst := s.path(digest)
	if _, err := os.Stat(dst); err == nil {
		return digest, nil // already present, content-addressed dedup
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	if err := copyFile(localPath, dst); err != nil {
		return "", xerrors.Errorf("remote: upload %s: %w", localPath, err)
	}
	return digest, nil
}

// Download copies the blob named digest to localPath.
func (s *BlobStore) Download(digest, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	if err := copyFile(s.path(digest), localPath); err != nil {
		return xerrors.Errorf("remote: download %s: %w", digest, err)
	}
	return nil
}

// UploadAll uploads every path in localPaths concurrently, returning each
// path's digest in the same order — the sandbox-staging step before
// submitting an ActionRequest, where a target's whole source set needs to
// be content-addressed at once.
func (s *BlobStore) UploadAll(localPaths []string) ([]string, error) {
	digests := make([]string, len(localPaths))
	var g errgroup.Group
	for i, p := range localPaths {
		i, p := i, p
		g.Go(func() error {
			digest, err := s.Upload(p)
			if err != nil {
				return err
			}
			digests[i] = digest
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return digests, nil
}

// DownloadAll fetches every digest in digests concurrently into dir, named
// by their digest.
func (s *BlobStore) DownloadAll(digests []string, dir string) error {
	var mkdirOnce sync.Once
	var mkdirErr error
	var g errgroup.Group
	for _, digest := range digests {
		digest := digest
		g.Go(func() error {
			mkdirOnce.Do(func() { mkdirErr = os.MkdirAll(dir, 0o755) })
			if mkdirErr != nil {
				return mkdirErr
			}
			return s.Download(digest, filepath.Join(dir, digest))
		})
	}
	return g.Wait()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
