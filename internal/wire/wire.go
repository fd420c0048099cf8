// Package wire frames cache payloads for engines that have no native place to
// keep a last-write time (redis, etcd, consul, bigcache). The stored bytes
// carry the write time out-of-band from the payload so Updated never has to
// decode the payload itself.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const version byte = 1

var (
	ErrCorrupt = errors.New("bankcache: corrupt entry")
	magic4     = [...]byte{'B', 'K', 'C', 'E'}
)

const header = 4 + 1 + 8 + 4 // magic | ver | mtime(u64 be, unix nanos) | vlen(u32 be)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Encode frames payload with mtime: magic(4) | ver(1) | mtime(u64 be) | vlen(u32 be) | payload.
func Encode(mtime time.Time, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(header + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], uint64(mtime.UnixNano()))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// Decode returns the framed mtime and payload.
func Decode(b []byte) (mtime time.Time, payload []byte, err error) {
	if len(b) < header || !hasMagic(b) || b[4] != version {
		return time.Time{}, nil, ErrCorrupt
	}

	off := 5

	nanos := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	// strict: the declared length must account for every remaining byte;
	// truncated and trailing-garbage entries are both corrupt
	if vlen != len(b)-off {
		return time.Time{}, nil, ErrCorrupt
	}

	return time.Unix(0, nanos), b[off:], nil
}

// Mtime decodes only the framed write time.
func Mtime(b []byte) (time.Time, error) {
	if len(b) < header || !hasMagic(b) || b[4] != version {
		return time.Time{}, ErrCorrupt
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b[5:13]))), nil
}
