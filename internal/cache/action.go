package cache

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio"

	"github.com/weaveforge/weaveforge"
)

// ActionID is the composite key from spec.md §3.
type ActionID struct {
	Target weaveforge.TargetID
	Kind   weaveforge.ActionKind
	SubID  string
}

func (id ActionID) hex() string {
	h := fmt.Sprintf("%s|%s|%s", id.Target, id.Kind, id.SubID)
	return hex.EncodeToString([]byte(h))
}

// actionEntry is the on-disk record for one ActionID (spec.md §6).
type actionEntry struct {
	Target    weaveforge.TargetID
	Kind      weaveforge.ActionKind
	SubID     string
	InputHash [32]byte
	Metadata  map[string]string
	Outputs   []string
	Success   bool
	Timestamp int64
}

func encodeAction(e *actionEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	w.WriteByte(entryVersion)
	if err := writeString(w, e.Target.String()); err != nil {
		return nil, err
	}
	w.WriteByte(actionKindByte(e.Kind))
	if _, err := w.Write(e.InputHash[:]); err != nil {
		return nil, err
	}
	if err := writeString(w, e.SubID); err != nil {
		return nil, err
	}
	if err := writeStringMap(w, e.Metadata); err != nil {
		return nil, err
	}
	if err := writeStringList(w, e.Outputs); err != nil {
		return nil, err
	}
	if e.Success {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
	if err := binary.Write(w, binary.BigEndian, e.Timestamp); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeAction(b []byte) (*actionEntry, error) {
	r := bytes.NewReader(b)
	var version byte
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, err
	}
	if err := checkVersion(version); err != nil {
		return nil, err
	}
	targetStr, err := readString(r)
	if err != nil {
		return nil, err
	}
	targetID, err := weaveforge.ParseTargetID(targetStr, "")
	if err != nil {
		return nil, &CorruptEntry{Reason: "invalid target id: " + err.Error()}
	}
	var kindByte byte
	if err := binary.Read(r, binary.BigEndian, &kindByte); err != nil {
		return nil, err
	}
	kind, err := actionKindFromByte(kindByte)
	if err != nil {
		return nil, err
	}
	var inputHash [32]byte
	if _, err := io.ReadFull(r, inputHash[:]); err != nil {
		return nil, err
	}
	subID, err := readString(r)
	if err != nil {
		return nil, err
	}
	metadata, err := readStringMap(r)
	if err != nil {
		return nil, err
	}
	outputs, err := readStringList(r)
	if err != nil {
		return nil, err
	}
	var successByte byte
	if err := binary.Read(r, binary.BigEndian, &successByte); err != nil {
		return nil, err
	}
	var ts int64
	if err := binary.Read(r, binary.BigEndian, &ts); err != nil {
		return nil, err
	}
	return &actionEntry{
		Target:    targetID,
		Kind:      kind,
		SubID:     subID,
		InputHash: inputHash,
		Metadata:  metadata,
		Outputs:   outputs,
		Success:   successByte != 0,
		Timestamp: ts,
	}, nil
}

func actionKindByte(k weaveforge.ActionKind) byte {
	switch k {
	case weaveforge.ActionCompile:
		return 0
	case weaveforge.ActionLink:
		return 1
	case weaveforge.ActionPackage:
		return 2
	case weaveforge.ActionCodegen:
		return 3
	case weaveforge.ActionTest:
		return 4
	default:
		return 5
	}
}

func actionKindFromByte(b byte) (weaveforge.ActionKind, error) {
	switch b {
	case 0:
		return weaveforge.ActionCompile, nil
	case 1:
		return weaveforge.ActionLink, nil
	case 2:
		return weaveforge.ActionPackage, nil
	case 3:
		return weaveforge.ActionCodegen, nil
	case 4:
		return weaveforge.ActionTest, nil
	case 5:
		return weaveforge.ActionCustom, nil
	}
	return "", &CorruptEntry{Reason: "unknown action-kind byte"}
}

// negativeTTL bounds how long a failing result is trusted within one
// session (spec.md §4.5: "MUST NOT be used across sessions unless
// configured" — negative entries are therefore kept in-memory only,
// never written to disk).
const negativeTTL = 2 * time.Minute

type negativeResult struct {
	at time.Time
}

// ActionCache is the fine-grained, on-disk, content-addressed cache keyed
// by ActionID (spec.md §4.5).
type ActionCache struct {
	root string

	mu        sync.Mutex
	negatives map[string]negativeResult

	Events chan<- Event
}

// NewActionCache roots the cache at dir (created if absent).
func NewActionCache(dir string) (*ActionCache, error) {
	if err := os.MkdirAll(filepath.Join(dir, "actions"), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, "objects"), 0o755); err != nil {
		return nil, err
	}
	return &ActionCache{root: dir, negatives: map[string]negativeResult{}}, nil
}

func (c *ActionCache) entryPath(id ActionID) string {
	return filepath.Join(c.root, "actions", id.hex()+".entry")
}

func (c *ActionCache) emit(kind EventKind, id ActionID) {
	if c.Events == nil {
		return
	}
	select {
	case c.Events <- Event{Kind: kind, Target: id.Target}:
	default:
	}
}

// IsCached reports whether id has a matching, valid, successful entry:
// the stored inputs-hash and canonicalized metadata both match, and every
// declared output still exists on disk.
func (c *ActionCache) IsCached(id ActionID, inputsHash [32]byte, metadata map[string]string) (bool, error) {
	c.mu.Lock()
	if neg, ok := c.negatives[id.hex()]; ok {
		if time.Since(neg.at) < negativeTTL {
			c.mu.Unlock()
			c.emit(EventHit, id)
			return false, nil
		}
		delete(c.negatives, id.hex())
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
	entry, err := decodeAction(b)
	if err != nil {
		// Corrupt entries are quarantined rather than propagated: treat
		// as a miss and let the caller rebuild (spec.md §7).
		_ = os.Remove(c.entryPath(id))
		c.emit(EventMiss, id)
		return false, nil
	}
	if !entry.Success || entry.InputHash != inputsHash {
		c.emit(EventMiss, id)
		return false, nil
	}
	if canonicalizeMetadata(entry.Metadata) != canonicalizeMetadata(metadata) {
		c.emit(EventMiss, id)
		return false, nil
	}
	for _, out := range entry.Outputs {
		if _, err := os.Stat(out); err != nil {
			c.emit(EventMiss, id)
			return false, nil
		}
	}
	c.emit(EventHit, id)
	return true, nil
}

// Update records the outcome of running action id. On failure the result
// is cached only in-memory (negative caching) rather than on disk.
func (c *ActionCache) Update(id ActionID, inputsHash [32]byte, outputs []string, metadata map[string]string, success bool, now time.Time) error {
	if !success {
		c.mu.Lock()
		c.negatives[id.hex()] = negativeResult{at: now}
		c.mu.Unlock()
		c.emit(EventWrite, id)
		return nil
	}
	entry := &actionEntry{
		Target:    id.Target,
		Kind:      id.Kind,
		SubID:     id.SubID,
		InputHash: inputsHash,
		Metadata:  metadata,
		Outputs:   outputs,
		Success:   true,
		Timestamp: now.Unix(),
	}
	b, err := encodeAction(entry)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(c.entryPath(id), b); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.negatives, id.hex())
	c.mu.Unlock()
	c.emit(EventWrite, id)
	return nil
}

func canonicalizeMetadata(m map[string]string) string {
	var buf bytes.Buffer
	for _, k := range sortedKeys(m) {
		buf.WriteString(k)
		buf.WriteByte(0)
		buf.WriteString(m[k])
		buf.WriteByte(0)
	}
	return buf.String()
}

// writeFileAtomic writes b to path via renameio, so a crash mid-write
// never leaves a truncated or torn cache entry behind.
func writeFileAtomic(path string, b []byte) error {
	return renameio.WriteFile(path, b, 0o644)
}
