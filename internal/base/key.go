package base

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
)

// VinLength is the fixed byte length of an entity identifier.
const VinLength = 17

// KeySize is the encoded size of an InternalKey: the vin followed by an
// 8-byte timestamp.
const KeySize = VinLength + 8

// MaxTimestamp sorts before every other timestamp of the same vin.
const MaxTimestamp int64 = math.MaxInt64

// Vin identifies the entity (vehicle, device) a row belongs to.
type Vin [VinLength]byte

// MakeVin copies s into a Vin, truncating or zero padding as needed.
func MakeVin(s string) Vin {
	var v Vin
	copy(v[:], s)
	return v
}

func (v Vin) String() string {
	end := bytes.IndexByte(v[:], 0)
	if end < 0 {
		end = VinLength
	}
	for _, c := range v[:end] {
		if c < 0x20 || c > 0x7e {
			return hex.EncodeToString(v[:])
		}
	}
	return string(v[:end])
}

// Compare orders vins bytewise.
func (v Vin) Compare(o Vin) int {
	return bytes.Compare(v[:], o[:])
}

// InternalKey is the sort key of every record in the engine.
//
// Keys order by vin ascending and, within the same vin, by timestamp
// descending. A forward scan that starts at MakeSearchKey(vin) therefore
// yields the newest record of that vin first.
type InternalKey struct {
	Vin       Vin
	Timestamp int64
}

// MakeInternalKey constructs an internal key from a vin and timestamp.
func MakeInternalKey(vin Vin, timestamp int64) InternalKey {
	return InternalKey{Vin: vin, Timestamp: timestamp}
}

// MakeSearchKey constructs an internal key that sorts before any other
// internal key of the same vin.
func MakeSearchKey(vin Vin) InternalKey {
	return MakeInternalKey(vin, MaxTimestamp)
}

// Compare returns -1, 0 or +1 depending on whether k sorts before, equal to or
// after o.
func (k InternalKey) Compare(o InternalKey) int {
	if c := k.Vin.Compare(o.Vin); c != 0 {
		return c
	}
	switch {
	case k.Timestamp > o.Timestamp:
		return -1
	case k.Timestamp < o.Timestamp:
		return +1
	}
	return 0
}

// Less reports whether k sorts strictly before o.
func (k InternalKey) Less(o InternalKey) bool {
	return k.Compare(o) < 0
}

// Encode appends the fixed-size encoding of k to dst.
func (k InternalKey) Encode(dst []byte) []byte {
	dst = append(dst, k.Vin[:]...)
	return binary.BigEndian.AppendUint64(dst, uint64(k.Timestamp))
}

// DecodeInternalKey decodes the first KeySize bytes of buf.
func DecodeInternalKey(buf []byte) (InternalKey, error) {
	if len(buf) < KeySize {
		return InternalKey{}, CorruptionErrorf("internal key: %d bytes, want %d", len(buf), KeySize)
	}
	var k InternalKey
	copy(k.Vin[:], buf[:VinLength])
	k.Timestamp = int64(binary.BigEndian.Uint64(buf[VinLength:KeySize]))
	return k, nil
}

func (k InternalKey) String() string {
	return fmt.Sprintf("%s#%d", k.Vin, k.Timestamp)
}

// Compare is the comparison function used by every sorted structure in the
// engine.
func Compare(a, b InternalKey) int {
	return a.Compare(b)
}
