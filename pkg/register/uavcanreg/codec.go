// Package uavcanreg carries the wire codecs for the standard register
// services, uavcan.register.List.1.0 and uavcan.register.Access.1.0, over
// the value subset in pkg/register. Full DSDL code generation is out of
// scope; these hand codecs cover the shapes the registry provider serves.
package uavcanreg

import (
	"encoding/binary"
	"errors"
	"math"

	"cyphal/pkg/register"
)

// Standard service identifiers.
const (
	AccessServiceID = 384
	ListServiceID   = 385
)

// Value union tags, per uavcan.register.Value.1.0.
const (
	tagEmpty        = 0
	tagString       = 1
	tagUnstructured = 2
	tagBit          = 3
	tagInteger64    = 4
	tagReal64       = 12
)

var errShort = errors.New("register codec: truncated input")

// ErrUnsupportedTag is returned when a received value uses a union option
// this subset does not model; callers treat it as a coercion failure.
var ErrUnsupportedTag = errors.New("register codec: unsupported value tag")

// MARK: name (uavcan.register.Name.1.0: uint8[<=255])

func appendName(buf []byte, name string) []byte {
	if len(name) > 255 {
		name = name[:255]
	}
	buf = append(buf, byte(len(name)))
	return append(buf, name...)
}

func parseName(buf []byte) (string, []byte, error) {
	if len(buf) < 1 {
		return "", nil, errShort
	}
	n := int(buf[0])
	if len(buf) < 1+n {
		return "", nil, errShort
	}
	return string(buf[1 : 1+n]), buf[1+n:], nil
}

// MARK: value union

// AppendValue serializes a value.
func AppendValue(buf []byte, v register.Value) []byte {
	switch v.Kind() {
	case register.KindString:
		buf = append(buf, tagString)
		b := v.AsBytes()
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(b)))
		return append(buf, b...)
	case register.KindUnstructured:
		buf = append(buf, tagUnstructured)
		b := v.AsBytes()
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(b)))
		return append(buf, b...)
	case register.KindBit:
		buf = append(buf, tagBit)
		bits := v.AsBits()
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(bits)))
		var acc byte
		for i, b := range bits {
			if b {
				acc |= 1 << (i % 8)
			}
			if i%8 == 7 {
				buf = append(buf, acc)
				acc = 0
			}
		}
		if len(bits)%8 != 0 {
			buf = append(buf, acc)
		}
		return buf
	case register.KindInteger:
		ints := v.AsIntegers()
		buf = append(buf, tagInteger64, byte(len(ints)))
		for _, n := range ints {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(n))
		}
		return buf
	case register.KindReal:
		reals := v.AsReals()
		buf = append(buf, tagReal64, byte(len(reals)))
		for _, r := range reals {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(r))
		}
		return buf
	default:
		return append(buf, tagEmpty)
	}
}

// ParseValue deserializes a value, returning the remainder of the buffer.
func ParseValue(buf []byte) (register.Value, []byte, error) {
	if len(buf) < 1 {
		return register.Value{}, nil, errShort
	}
	tag := buf[0]
	buf = buf[1:]
	switch tag {
	case tagEmpty:
		return register.Empty(), buf, nil
	case tagString, tagUnstructured:
		if len(buf) < 2 {
			return register.Value{}, nil, errShort
		}
		n := int(binary.LittleEndian.Uint16(buf))
		buf = buf[2:]
		if len(buf) < n {
			return register.Value{}, nil, errShort
		}
		b := append([]byte(nil), buf[:n]...)
		if tag == tagString {
			return register.String(string(b)), buf[n:], nil
		}
		return register.Unstructured(b), buf[n:], nil
	case tagBit:
		if len(buf) < 2 {
			return register.Value{}, nil, errShort
		}
		n := int(binary.LittleEndian.Uint16(buf))
		buf = buf[2:]
		nb := (n + 7) / 8
		if len(buf) < nb {
			return register.Value{}, nil, errShort
		}
		bits := make([]bool, n)
		for i := range bits {
			bits[i] = buf[i/8]&(1<<(i%8)) != 0
		}
		return register.Bit(bits...), buf[nb:], nil
	case tagInteger64:
		if len(buf) < 1 {
			return register.Value{}, nil, errShort
		}
		n := int(buf[0])
		buf = buf[1:]
		if len(buf) < n*8 {
			return register.Value{}, nil, errShort
		}
		ints := make([]int64, n)
		for i := range ints {
			ints[i] = int64(binary.LittleEndian.Uint64(buf[i*8:]))
		}
		return register.Integer(ints...), buf[n*8:], nil
	case tagReal64:
		if len(buf) < 1 {
			return register.Value{}, nil, errShort
		}
		n := int(buf[0])
		buf = buf[1:]
		if len(buf) < n*8 {
			return register.Value{}, nil, errShort
		}
		reals := make([]float64, n)
		for i := range reals {
			reals[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
		}
		return register.Real(reals...), buf[n*8:], nil
	default:
		return register.Value{}, nil, ErrUnsupportedTag
	}
}

// MARK: List.1.0

type ListRequest struct {
	Index uint16
}

func (r ListRequest) Marshal() []byte {
	return binary.LittleEndian.AppendUint16(nil, r.Index)
}

func ParseListRequest(buf []byte) (ListRequest, error) {
	if len(buf) < 2 {
		return ListRequest{}, errShort
	}
	return ListRequest{Index: binary.LittleEndian.Uint16(buf)}, nil
}

type ListResponse struct {
	Name string // empty when the index is out of range
}

func (r ListResponse) Marshal() []byte {
	return appendName(nil, r.Name)
}

func ParseListResponse(buf []byte) (ListResponse, error) {
	name, _, err := parseName(buf)
	if err != nil {
		return ListResponse{}, err
	}
	return ListResponse{Name: name}, nil
}

// MARK: Access.1.0

type AccessRequest struct {
	Name  string
	Value register.Value // Empty means "read only, do not set"
}

func (r AccessRequest) Marshal() []byte {
	buf := appendName(nil, r.Name)
	return AppendValue(buf, r.Value)
}

func ParseAccessRequest(buf []byte) (AccessRequest, error) {
	name, rest, err := parseName(buf)
	if err != nil {
		return AccessRequest{}, err
	}
	v, _, err := ParseValue(rest)
	if err != nil && !errors.Is(err, ErrUnsupportedTag) {
		return AccessRequest{}, err
	}
	return AccessRequest{Name: name, Value: v}, err
}

type AccessResponse struct {
	// TimestampUS is the optional synchronized-time annotation (56 bits used).
	TimestampUS uint64
	Mutable     bool
	Persistent  bool
	Value       register.Value
}

func (r AccessResponse) Marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, r.TimestampUS&((1<<56)-1))
	buf = buf[:7] // uavcan.time.SynchronizedTimestamp.1.0 is 56 bits
	var flags byte
	if r.Mutable {
		flags |= 1 << 0
	}
	if r.Persistent {
		flags |= 1 << 1
	}
	buf = append(buf, flags)
	return AppendValue(buf, r.Value)
}

func ParseAccessResponse(buf []byte) (AccessResponse, error) {
	if len(buf) < 8 {
		return AccessResponse{}, errShort
	}
	var ts [8]byte
	copy(ts[:7], buf[:7])
	flags := buf[7]
	v, _, err := ParseValue(buf[8:])
	if err != nil {
		return AccessResponse{}, err
	}
	return AccessResponse{
		TimestampUS: binary.LittleEndian.Uint64(ts[:]),
		Mutable:     flags&(1<<0) != 0,
		Persistent:  flags&(1<<1) != 0,
		Value:       v,
	}, nil
}
