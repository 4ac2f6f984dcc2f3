package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	format    byte = 1
	kindEntry byte = 1

	headerLen = 4 + 1 + 1 + 4 + 8 + 8 + 4
)

var (
	ErrCorrupt = errors.New("herdsync: corrupt entry")
	magic4     = [...]byte{'H', 'R', 'D', 'S'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Entry is the framed form of a cache entry. Payload aliases the decoded buffer.
type Entry struct {
	Version   uint32
	Timestamp time.Time
	TTL       time.Duration // 0 => no expiry
	Payload   []byte
}

// Expired reports whether the entry is past its TTL at now.
// The boundary is inclusive: an entry aged exactly TTL is still valid.
func (e Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.Timestamp) > e.TTL
}

// Encode frames an entry:
//
//	magic(4) | fmt(1) | kind(1=entry) | version(u32 be) | ts(i64 be, unix nanos) | ttl(i64 be, nanos) | vlen(u32 be) | payload(vlen)
func Encode(e Entry) []byte {
	var buf bytes.Buffer
	buf.Grow(headerLen + len(e.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(format)
	buf.WriteByte(kindEntry)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint32(u4[:], e.Version)
	buf.Write(u4[:])

	binary.BigEndian.PutUint64(u8[:], uint64(e.Timestamp.UnixNano()))
	buf.Write(u8[:])

	ttl := e.TTL
	if ttl < 0 {
		ttl = 0
	}
	binary.BigEndian.PutUint64(u8[:], uint64(ttl))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Payload)))
	buf.Write(u4[:])

	buf.Write(e.Payload)
	return buf.Bytes()
}

// Decode parses a framed entry. Trailing bytes are rejected.
func Decode(b []byte) (Entry, error) {
	if len(b) < headerLen || !hasMagic(b) || b[4] != format || b[5] != kindEntry {
		return Entry{}, ErrCorrupt
	}

	off := 6
	version := binary.BigEndian.Uint32(b[off : off+4])
	off += 4

	ts := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	ttl := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	if ttl < 0 {
		return Entry{}, ErrCorrupt
	}

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off {
		return Entry{}, ErrCorrupt
	}

	return Entry{
		Version:   version,
		Timestamp: time.Unix(0, ts),
		TTL:       time.Duration(ttl),
		Payload:   b[off : off+vlen],
	}, nil
}
