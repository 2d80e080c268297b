package txmodel

import (
	"encoding/binary"
	"sort"
)

// canonicalEncoder builds the deterministic byte encoding hashed for
// both a transaction's id and its signature: fixed-width big-endian
// integers, length-prefixed UTF-8 strings, key-sorted maps/sets, and
// stable-ordinal-tagged enums.
type canonicalEncoder struct {
	buf []byte
}

func newCanonicalEncoder() *canonicalEncoder {
	return &canonicalEncoder{buf: make([]byte, 0, 256)}
}

func (e *canonicalEncoder) Bytes() []byte { return e.buf }

func (e *canonicalEncoder) writeByte(b byte) {
	e.buf = append(e.buf, b)
}

func (e *canonicalEncoder) WriteBool(b bool) {
	if b {
		e.writeByte(1)
	} else {
		e.writeByte(0)
	}
}

func (e *canonicalEncoder) WriteUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *canonicalEncoder) WriteInt64(v int64) {
	e.WriteUint64(uint64(v))
}

func (e *canonicalEncoder) WriteFixedBytes(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *canonicalEncoder) WriteString(s string) {
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(s)))
	e.buf = append(e.buf, n[:]...)
	e.buf = append(e.buf, s...)
}

func (e *canonicalEncoder) WriteStringSlice(ss []string) {
	sorted := append([]string(nil), ss...)
	sort.Strings(sorted)

	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(sorted)))
	e.buf = append(e.buf, n[:]...)
	for _, s := range sorted {
		e.WriteString(s)
	}
}

func (e *canonicalEncoder) WriteStringSet(set map[string]bool) {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	e.WriteStringSlice(keys)
}

// WriteOptionalString encodes a presence byte followed by the string
// if present, for the *string fields used by update-style payloads.
func (e *canonicalEncoder) WriteOptionalString(s *string) {
	if s == nil {
		e.writeByte(0)
		return
	}
	e.writeByte(1)
	e.WriteString(*s)
}
