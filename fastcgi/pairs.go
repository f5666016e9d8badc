package fastcgi

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

//ErrMalformedPairs is returned when a name/value buffer cannot be consumed exactly.
var ErrMalformedPairs = errors.New("fastcgi: malformed name/value pairs")

// Pair is one name/value entry of an FCGI_PARAMS or FCGI_GET_VALUES body.
type Pair struct {
	Name  string
	Value string
}

//readSize decodes a variable-length size from s. A zero n means s is too short.
func readSize(s []byte) (uint32, int) {
	if len(s) == 0 {
		return 0, 0
	}

	size, n := uint32(s[0]), 1

	if size&(1<<7) != 0 {
		if len(s) < 4 {
			return 0, 0
		}

		n = 4
		size = binary.BigEndian.Uint32(s)
		size &^= 1 << 31
	}

	return size, n
}

//encodeSize writes size into b using the 1-byte form below 128 and the 4-byte form otherwise.
func encodeSize(b []byte, size uint32) int {
	if size > 127 {
		size |= 1 << 31
		binary.BigEndian.PutUint32(b, size)

		return 4
	}

	b[0] = byte(size)

	return 1
}

//sizeLen is the encoded length of a size.
func sizeLen(size int) int {
	if size > 127 {
		return 4
	}

	return 1
}

//decodePairs decodes the whole of b into pairs, in wire order.
//Trailing or missing bytes fail the decode with ErrMalformedPairs.
func decodePairs(b []byte) (pairs []Pair, err error) {
	offset := 0

	for offset < len(b) {
		nameLen, n := readSize(b[offset:])
		if n == 0 {
			return nil, errors.Wrapf(ErrMalformedPairs, "name length truncated at offset %d", offset)
		}
		offset += n

		valueLen, n := readSize(b[offset:])
		if n == 0 {
			return nil, errors.Wrapf(ErrMalformedPairs, "value length truncated at offset %d", offset)
		}
		offset += n

		if uint64(nameLen)+uint64(valueLen) > uint64(len(b)-offset) {
			return nil, errors.Wrapf(ErrMalformedPairs, "pair at offset %d overruns buffer (%d+%d of %d bytes)",
				offset, nameLen, valueLen, len(b)-offset)
		}

		name := string(b[offset : offset+int(nameLen)])
		offset += int(nameLen)

		value := string(b[offset : offset+int(valueLen)])
		offset += int(valueLen)

		pairs = append(pairs, Pair{Name: name, Value: value})
	}

	return pairs, nil
}

//appendPair appends the encoded form of a single pair to dst.
func appendPair(dst []byte, name, value string) []byte {
	var b [8]byte

	n := encodeSize(b[:], uint32(len(name)))
	n += encodeSize(b[n:], uint32(len(value)))

	dst = append(dst, b[:n]...)
	dst = append(dst, name...)

	return append(dst, value...)
}

//encodePairs encodes pairs in the given order.
func encodePairs(pairs []Pair) []byte {
	size := 0
	for _, p := range pairs {
		size += sizeLen(len(p.Name)) + sizeLen(len(p.Value)) + len(p.Name) + len(p.Value)
	}

	b := make([]byte, 0, size)
	for _, p := range pairs {
		b = appendPair(b, p.Name, p.Value)
	}

	return b
}
