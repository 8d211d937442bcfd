package bonsai

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// SearchMode controls how a short composite key is padded before a
// descent, so a prefix key can still resolve to a correct range
// boundary even though stored keys have full arity.
type SearchMode int

const (
	// ModeNone performs no padding; the key must already have full arity.
	ModeNone SearchMode = iota
	// ModeLowestBoundary pads with sentinels that compare less than any real value.
	ModeLowestBoundary
	// ModeHighestBoundary pads with sentinels that compare greater than any real value.
	ModeHighestBoundary
)

type sentinelKind int8

const (
	sentinelNone sentinelKind = 0
	sentinelLow  sentinelKind = -1
	sentinelHigh sentinelKind = 1
)

type keyPart struct {
	sentinel sentinelKind
	raw      []byte
}

// Key is an ordered tuple of opaque byte-string components. A tree
// declares an arity (keySize); keys with fewer components are
// "partial" and only ever appear on the search side of a comparison,
// padded to full arity via padded().
type Key struct {
	parts []keyPart
}

// NewKey builds a full or partial key from its raw components.
func NewKey(parts ...[]byte) Key {
	kp := make([]keyPart, len(parts))
	for i, p := range parts {
		kp[i] = keyPart{raw: p}
	}
	return Key{parts: kp}
}

func (k Key) Arity() int { return len(k.parts) }

// padded returns k extended to `arity` components using mode. A key
// already at or above arity, or a ModeNone padding request, is
// returned unchanged.
func (k Key) padded(arity int, mode SearchMode) Key {
	if mode == ModeNone || len(k.parts) >= arity {
		return k
	}
	kind := sentinelLow
	if mode == ModeHighestBoundary {
		kind = sentinelHigh
	}
	out := make([]keyPart, arity)
	copy(out, k.parts)
	for i := len(k.parts); i < arity; i++ {
		out[i] = keyPart{sentinel: kind}
	}
	return Key{parts: out}
}

// compareKeys orders two keys component by component. A sentinel
// component compares as less-than/greater-than any real component; two
// keys of unequal length with no sentinels compare by their shared
// prefix, the longer key sorting greater (used only transiently —
// stored keys always share the tree's declared arity).
func compareKeys(a, b Key) int {
	n := len(a.parts)
	if len(b.parts) < n {
		n = len(b.parts)
	}
	for i := 0; i < n; i++ {
		if c := comparePart(a.parts[i], b.parts[i]); c != 0 {
			return c
		}
	}
	return len(a.parts) - len(b.parts)
}

func comparePart(a, b keyPart) int {
	if a.sentinel != sentinelNone || b.sentinel != sentinelNone {
		ar, br := int(a.sentinel), int(b.sentinel)
		if ar != br {
			return ar - br
		}
		return 0
	}
	return bytes.Compare(a.raw, b.raw)
}

// EncodeKey serializes a key's real components for on-page storage.
// Keys carrying sentinels (partial search keys) must never be stored.
func EncodeKey(k Key) ([]byte, error) {
	var buf bytes.Buffer
	var numParts [2]byte
	binary.LittleEndian.PutUint16(numParts[:], uint16(len(k.parts)))
	buf.Write(numParts[:])

	for _, p := range k.parts {
		if p.sentinel != sentinelNone {
			return nil, fmt.Errorf("bonsai: cannot encode a sentinel-padded key")
		}
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(p.raw)))
		buf.Write(lenBuf[:])
		buf.Write(p.raw)
	}
	return buf.Bytes(), nil
}

// DecodeKey reads a key back from its on-page encoding, returning the
// key and the number of bytes consumed.
func DecodeKey(data []byte) (Key, int, error) {
	if len(data) < 2 {
		return Key{}, 0, fmt.Errorf("bonsai: truncated key header")
	}
	numParts := int(binary.LittleEndian.Uint16(data[0:2]))
	pos := 2

	parts := make([]keyPart, numParts)
	for i := 0; i < numParts; i++ {
		if len(data) < pos+4 {
			return Key{}, 0, fmt.Errorf("bonsai: truncated key part length")
		}
		plen := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if len(data) < pos+plen {
			return Key{}, 0, fmt.Errorf("bonsai: truncated key part data")
		}
		parts[i] = keyPart{raw: data[pos : pos+plen]}
		pos += plen
	}
	return Key{parts: parts}, pos, nil
}
