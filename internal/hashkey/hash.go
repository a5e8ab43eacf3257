// Package hashkey implements the Hasher component (spec.md §2, §4): content
// hashing of files and byte strings, plus composite cache-key construction,
// backed by a lookup cache so repeated hashing of unchanged files (common
// across action and target cache lookups within one session) is cheap.
package hashkey

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sort"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/xerrors"
)

// Hasher hashes file contents and byte strings, caching file hashes by
// (path, size, mtime) so a content re-read only happens when the file
// actually looks like it changed. It never trusts the cache blindly across
// a build: the size/mtime key means a touched-but-unchanged file still
// re-hashes, matching spec.md's requirement that cache validity depends on
// the actual content hash, never an mtime heuristic alone.
type Hasher struct {
	cache *lru.Cache[fileKey, string]

	hits   atomic.Int64
	misses atomic.Int64
}

type fileKey struct {
	path  string
	size  int64
	mtime int64
}

// New creates a Hasher whose lookup cache holds up to capacity entries.
func New(capacity int) *Hasher {
	if capacity <= 0 {
		capacity = 4096
	}
	c, err := lru.New[fileKey, string](capacity)
	if err != nil {
		// Only returns an error for capacity <= 0, already guarded above.
		panic(err)
	}
	return &Hasher{cache: c}
}

// HashFile returns the hex-encoded SHA-256 digest of the file at path.
func (h *Hasher) HashFile(path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", xerrors.Errorf("hashkey: stat %s: %w", path, err)
	}
	key := fileKey{path: path, size: fi.Size(), mtime: fi.ModTime().UnixNano()}
	if v, ok := h.cache.Get(key); ok {
		h.hits.Add(1)
		return v, nil
	}
	h.misses.Add(1)
	f, err := os.Open(path)
	if err != nil {
		return "", xerrors.Errorf("hashkey: open %s: %w", path, err)
	}
	defer f.Close()
	sum, err := hashReader(f)
	if err != nil {
		return "", xerrors.Errorf("hashkey: read %s: %w", path, err)
	}
	h.cache.Add(key, sum)
	return sum, nil
}

// HashBytes returns the hex-encoded SHA-256 digest of b.
func (h *Hasher) HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashFiles returns the combined content hash of an ordered list of file
// paths: the hash of each file's own hash, newline-joined in the order
// given. Order matters for determinism (spec.md §8 invariant 8); callers
// that want position-independent hashing must sort paths before calling.
func (h *Hasher) HashFiles(paths []string) (string, error) {
	hh := sha256.New()
	for _, p := range paths {
		sum, err := h.HashFile(p)
		if err != nil {
			return "", err
		}
		io.WriteString(hh, sum)
		hh.Write([]byte{'\n'})
	}
	return hex.EncodeToString(hh.Sum(nil)), nil
}

// CompositeKey hashes an ordered sequence of parts (target id, action kind,
// canonicalized metadata, ...) into a single stable digest, used for
// ActionId.InputHash and similar composite keys (spec.md §3, §4.5).
func CompositeKey(parts ...string) string {
	hh := sha256.New()
	for _, p := range parts {
		io.WriteString(hh, p)
		hh.Write([]byte{0}) // NUL separator avoids "ab"+"c" == "a"+"bc" collisions
	}
	return hex.EncodeToString(hh.Sum(nil))
}

// CanonicalizeMetadata renders a metadata map deterministically (sorted by
// key) so two calls with the same logical content always hash identically,
// per spec.md §4.5 ("Inputs-hash is computed over ... a canonicalized form
// of the metadata map").
func CanonicalizeMetadata(md map[string]string) string {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	hh := sha256.New()
	for _, k := range keys {
		io.WriteString(hh, k)
		hh.Write([]byte{'='})
		io.WriteString(hh, md[k])
		hh.Write([]byte{';'})
	}
	return hex.EncodeToString(hh.Sum(nil))
}

// Stats returns (hits, misses) for the file-hash lookup cache.
func (h *Hasher) Stats() (hits, misses int64) {
	return h.hits.Load(), h.misses.Load()
}

func hashReader(r io.Reader) (string, error) {
	hh := sha256.New()
	if _, err := io.Copy(hh, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(hh.Sum(nil)), nil
}
