package compression

import (
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"

	"strata/internal/base"
)

// Type identifies the codec a data block was written with. It is stored as
// the first byte of every data block so a file can mix codecs and the setting
// can be changed between runs.
type Type uint8

const (
	None Type = iota
	Snappy
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	}
	return "unknown"
}

// ParseType maps a configuration string to a codec.
func ParseType(s string) (Type, error) {
	switch s {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	}
	return None, errors.Newf("strata: unknown compression %q", s)
}

// Encode returns a one byte codec header followed by the compressed payload.
// Compression is skipped when it would not save at least an eighth of the
// input.
func Encode(t Type, src []byte) []byte {
	if t == Snappy {
		dst := make([]byte, 1+snappy.MaxEncodedLen(len(src)))
		dst[0] = byte(Snappy)
		n := len(snappy.Encode(dst[1:], src))
		if n < len(src)-len(src)/8 {
			return dst[:1+n]
		}
	}
	dst := make([]byte, 1+len(src))
	dst[0] = byte(None)
	copy(dst[1:], src)
	return dst
}

// Decode reverses Encode.
func Decode(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, base.CorruptionErrorf("compressed block: empty")
	}
	switch Type(src[0]) {
	case None:
		return src[1:], nil
	case Snappy:
		dst, err := snappy.Decode(nil, src[1:])
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "compressed block"), base.ErrCorruption)
		}
		return dst, nil
	}
	return nil, base.CorruptionErrorf("compressed block: unknown codec %d", src[0])
}
