// Package cache implements the two-tier content-addressed cache: a
// fine-grained Action Cache, a coarse Target Cache, and a Cache
// Coordinator unifying both with garbage collection (spec.md §4.5-4.7).
// On-disk entries use the compact binary record format from spec.md §6
// rather than a self-describing format such as protobuf or JSON, mirroring
// how distri's own squashfs/cpio writers hand-roll encoding/binary
// layouts instead of reaching for a generic container format.
package cache

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"hash/fnv"
	"io"
)

const entryVersion byte = 1

// CorruptEntry is returned by decode when a record fails its structural
// or version checks (spec.md §7, "Cache: corrupt entry").
type CorruptEntry struct {
	Reason string
}

func (e *CorruptEntry) Error() string { return "corrupt cache entry: " + e.Reason }

func writeString(w *bufio.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n > 1<<24 {
		return "", &CorruptEntry{Reason: "string length implausibly large"}
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeStringList(w *bufio.Writer, ss []string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readStringList(r io.Reader) ([]string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n > 1<<20 {
		return nil, &CorruptEntry{Reason: "list length implausibly large"}
	}
	out := make([]string, n)
	for i := range out {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func writeStringMap(w *bufio.Writer, m map[string]string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(m))); err != nil {
		return err
	}
	keys := sortedKeys(m)
	for _, k := range keys {
		if err := writeString(w, k); err != nil {
			return err
		}
		if err := writeString(w, m[k]); err != nil {
			return err
		}
	}
	return nil
}

func readStringMap(r io.Reader) (map[string]string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n > 1<<20 {
		return nil, &CorruptEntry{Reason: "map length implausibly large"}
	}
	out := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, err
		}
		v, err := readString(r)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	// insertion sort: these maps are small (compiler flags, env overrides)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func checkVersion(v byte) error {
	if v != entryVersion {
		return &CorruptEntry{Reason: "unsupported entry version"}
	}
	return nil
}

// entrySigner wraps hash/fnv's 128-bit variant (the same digest distri's
// build context uses for package input digests) to produce a compact
// integrity signature over a target-cache entry's fixed fields.
type entrySigner struct {
	h interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
	}
}

func newFNV() entrySigner {
	return entrySigner{h: fnv.New128a()}
}

func (s entrySigner) writeString(str string) {
	s.h.Write([]byte(str))
	s.h.Write([]byte{0})
}

func (s entrySigner) sum() string {
	return hex.EncodeToString(s.h.Sum(nil))
}
