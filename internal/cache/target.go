package cache

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/weaveforge/weaveforge"
)

// targetEntry is the coarse cache record keyed by target id (spec.md §3,
// §4.6): "entry matches if (sources-hash, deps-hash) equals the current
// computation AND all outputs exist AND their combined content hash
// matches the stored output-hash AND the integrity signature validates."
type targetEntry struct {
	SourcesHash string
	DepsHash    string
	OutputHash  string
	Outputs     []string
	Timestamp   int64
	Signature   string
}

func encodeTarget(e *targetEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	w.WriteByte(entryVersion)
	for _, s := range []string{e.SourcesHash, e.DepsHash, e.OutputHash, e.Signature} {
		if err := writeString(w, s); err != nil {
			return nil, err
		}
	}
	if err := writeStringList(w, e.Outputs); err != nil {
		return nil, err
	}
	if err := binary.Write(w, binary.BigEndian, e.Timestamp); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeTarget(b []byte) (*targetEntry, error) {
	r := bytes.NewReader(b)
	var version byte
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, err
	}
	if err := checkVersion(version); err != nil {
		return nil, err
	}
	var fields [4]string
	for i := range fields {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		fields[i] = s
	}
	outputs, err := readStringList(r)
	if err != nil {
		return nil, err
	}
	var ts int64
	if err := binary.Read(r, binary.BigEndian, &ts); err != nil {
		return nil, err
	}
	return &targetEntry{
		SourcesHash: fields[0],
		DepsHash:    fields[1],
		OutputHash:  fields[2],
		Signature:   fields[3],
		Outputs:     outputs,
		Timestamp:   ts,
	}, nil
}

// TargetMatch is the computation a caller presents to IsCached/Update:
// the current sources-hash and deps-hash, used to decide whether a stored
// entry is still valid.
type TargetMatch struct {
	SourcesHash string
	DepsHash    string
}

// TargetCache is the coarse, batched-write cache keyed by target id
// (spec.md §4.6).
type TargetCache struct {
	root string

	mu      sync.Mutex
	pending map[weaveforge.TargetID]*targetEntry

	Events chan<- Event
}

func NewTargetCache(dir string) (*TargetCache, error) {
	if err := os.MkdirAll(filepath.Join(dir, "targets"), 0o755); err != nil {
		return nil, err
	}
	return &TargetCache{root: dir, pending: map[weaveforge.TargetID]*targetEntry{}}, nil
}

func (c *TargetCache) entryPath(id weaveforge.TargetID) string {
	return filepath.Join(c.root, "targets", hex.EncodeToString([]byte(id.String()))+".entry")
}

func (c *TargetCache) emit(kind EventKind, id weaveforge.TargetID) {
	if c.Events == nil {
		return
	}
	select {
	case c.Events <- Event{Kind: kind, Target: id}:
	default:
	}
}

// IsCached reports whether id's stored entry matches m, all outputs
// exist, and their combined content hash equals the stored output-hash.
// hashOutputs computes that combined hash; it is injected so the cache
// package does not need to depend on internal/hashkey's filesystem walk
// directly.
func (c *TargetCache) IsCached(id weaveforge.TargetID, m TargetMatch, hashOutputs func([]string) (string, error)) (bool, error) {
	c.mu.Lock()
	if pending, ok := c.pending[id]; ok {
		c.mu.Unlock()
		return c.checkEntry(pending, m, hashOutputs, id)
	}
	c.mu.Unlock()

	b, err := os.ReadFile(c.entryPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			c.emit(EventMiss, id)
			return false, nil
		}
		return false, err
	}
	entry, err := decodeTarget(b)
	if err != nil {
		_ = os.Remove(c.entryPath(id))
		c.emit(EventMiss, id)
		return false, nil
	}
	return c.checkEntry(entry, m, hashOutputs, id)
}

func (c *TargetCache) checkEntry(entry *targetEntry, m TargetMatch, hashOutputs func([]string) (string, error), id weaveforge.TargetID) (bool, error) {
	if entry.SourcesHash != m.SourcesHash || entry.DepsHash != m.DepsHash {
		c.emit(EventMiss, id)
		return false, nil
	}
	for _, out := range entry.Outputs {
		if _, err := os.Stat(out); err != nil {
			c.emit(EventMiss, id)
			return false, nil
		}
	}
	combined, err := hashOutputs(entry.Outputs)
	if err != nil {
		return false, err
	}
	if combined != entry.OutputHash {
		c.emit(EventMiss, id)
		return false, nil
	}
	if !validSignature(entry) {
		c.emit(EventMiss, id)
		return false, nil
	}
	c.emit(EventHit, id)
	return true, nil
}

// validSignature recomputes the integrity signature over the entry's
// fixed fields and compares it to the stored one, catching hand-edited
// or bit-rotted entries (spec.md §3, "integrity signature").
func validSignature(e *targetEntry) bool {
	return e.Signature == signEntry(e.SourcesHash, e.DepsHash, e.OutputHash, e.Outputs)
}

func signEntry(sourcesHash, depsHash, outputHash string, outputs []string) string {
	h := newFNV()
	h.writeString(sourcesHash)
	h.writeString(depsHash)
	h.writeString(outputHash)
	for _, o := range outputs {
		h.writeString(o)
	}
	return h.sum()
}

// Update stages an entry in memory; it is persisted on Flush (spec.md
// §4.6: "Writes are batched (in-memory) and flushed on session end or
// via explicit flush()").
func (c *TargetCache) Update(id weaveforge.TargetID, m TargetMatch, outputHash string, outputs []string, now time.Time) {
	entry := &targetEntry{
		SourcesHash: m.SourcesHash,
		DepsHash:    m.DepsHash,
		OutputHash:  outputHash,
		Outputs:     outputs,
		Timestamp:   now.Unix(),
	}
	entry.Signature = signEntry(entry.SourcesHash, entry.DepsHash, entry.OutputHash, entry.Outputs)
	c.mu.Lock()
	c.pending[id] = entry
	c.mu.Unlock()
	c.emit(EventWrite, id)
}

// Flush persists every staged entry to disk.
func (c *TargetCache) Flush() error {
	c.mu.Lock()
	pending := c.pending
	c.pending = map[weaveforge.TargetID]*targetEntry{}
	c.mu.Unlock()

	for id, entry := range pending {
		b, err := encodeTarget(entry)
		if err != nil {
			return err
		}
		if err := writeFileAtomic(c.entryPath(id), b); err != nil {
			return err
		}
	}
	return nil
}
