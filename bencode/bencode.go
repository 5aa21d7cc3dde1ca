// Package bencode implements the bencode wire format used by KRPC (BEP 3):
// byte strings, integers, lists and dictionaries with ascending
// byte-sorted keys.
package bencode

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
)

// ErrParse is returned for any malformed bencode input.
var ErrParse = errors.New("bencode: parse error")

// Kind identifies the dynamic type held by a Value.
type Kind int

const (
	KindBytes Kind = iota
	KindInt
	KindList
	KindDict
)

// Value is a dynamic bencode value: a byte string, an integer, a list of
// Values or a dictionary from byte string to Value. Strings are kept as
// raw bytes, never assumed to be UTF-8 text.
type Value struct {
	kind Kind
	str  []byte
	num  int64
	list []Value
	dict map[string]Value
}

// Kind reports which alternative this Value holds.
func (v Value) Kind() Kind { return v.kind }

// String builds a Value holding a byte string.
func String(s []byte) Value { return Value{kind: KindBytes, str: s} }

// Int builds a Value holding an integer.
func Int(n int64) Value { return Value{kind: KindInt, num: n} }

// List builds a Value holding a list.
func List(vs []Value) Value { return Value{kind: KindList, list: vs} }

// Dict builds a Value holding a dictionary.
func Dict(m map[string]Value) Value { return Value{kind: KindDict, dict: m} }

// Bytes returns the byte string held by v, or (nil, false) if v is not a
// byte string.
func (v Value) Bytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return v.str, true
}

// Int64 returns the integer held by v, or (0, false) if v is not an integer.
func (v Value) Int64() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.num, true
}

// List returns the list held by v, or (nil, false) if v is not a list.
func (v Value) List() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

// Dict returns the dictionary held by v, or (nil, false) if v is not a dict.
func (v Value) Dict() (map[string]Value, bool) {
	if v.kind != KindDict {
		return nil, false
	}
	return v.dict, true
}

// Marshal deterministically encodes v: dictionary keys are emitted in
// ascending byte order, integers never carry a leading zero or "-0".
func Marshal(v Value) []byte {
	var buf bytes.Buffer
	encodeValue(&buf, v)
	return buf.Bytes()
}

func encodeValue(buf *bytes.Buffer, v Value) {
	switch v.kind {
	case KindBytes:
		fmt.Fprintf(buf, "%d:", len(v.str))
		buf.Write(v.str)
	case KindInt:
		fmt.Fprintf(buf, "i%de", v.num)
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.list {
			encodeValue(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		keys := make([]string, 0, len(v.dict))
		for k := range v.dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(buf, "%d:%s", len(k), k)
			encodeValue(buf, v.dict[k])
		}
		buf.WriteByte('e')
	}
}

// Unmarshal strictly decodes a single bencode value from data. Trailing
// bytes after the value, duplicate or unsorted dictionary keys, leading
// zeros in integers, negative string lengths and truncated input are all
// rejected with ErrParse.
func Unmarshal(data []byte) (Value, error) {
	d := newDecoder(bufio.NewReader(bytes.NewReader(data)))
	v, err := d.decode()
	if err != nil {
		return Value{}, err
	}
	if _, err := d.r.ReadByte(); err != io.EOF {
		return Value{}, fmt.Errorf("%w: trailing data after top-level value", ErrParse)
	}
	return v, nil
}

// Decoder reads a stream of bencode values off a bufio.Reader.
type Decoder struct {
	d *decoder
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Decoder{d: newDecoder(br)}
}

// Decode reads the next bencode value from the stream.
func (dec *Decoder) Decode() (Value, error) {
	return dec.d.decode()
}

type decoder struct {
	r *bufio.Reader
}

func newDecoder(r *bufio.Reader) *decoder {
	return &decoder{r: r}
}

func (d *decoder) decode() (Value, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	switch b {
	case 'd':
		return d.decodeDict()
	case 'l':
		return d.decodeList()
	case 'i':
		return d.decodeInt()
	default:
		if err := d.r.UnreadByte(); err != nil {
			return Value{}, err
		}
		return d.decodeString()
	}
}

func (d *decoder) decodeDict() (Value, error) {
	dict := make(map[string]Value)
	var lastKey string
	first := true
	for {
		peek, err := d.r.Peek(1)
		if err != nil {
			return Value{}, fmt.Errorf("%w: truncated dictionary", ErrParse)
		}
		if peek[0] == 'e' {
			d.r.ReadByte()
			return Dict(dict), nil
		}
		keyVal, err := d.decode()
		if err != nil {
			return Value{}, err
		}
		keyBytes, ok := keyVal.Bytes()
		if !ok {
			return Value{}, fmt.Errorf("%w: dictionary key must be a byte string", ErrParse)
		}
		key := string(keyBytes)
		if _, dup := dict[key]; dup {
			return Value{}, fmt.Errorf("%w: duplicate dictionary key %q", ErrParse, key)
		}
		if !first && key <= lastKey {
			return Value{}, fmt.Errorf("%w: dictionary keys out of order at %q", ErrParse, key)
		}
		lastKey = key
		first = false

		val, err := d.decode()
		if err != nil {
			return Value{}, err
		}
		dict[key] = val
	}
}

func (d *decoder) decodeList() (Value, error) {
	var list []Value
	for {
		peek, err := d.r.Peek(1)
		if err != nil {
			return Value{}, fmt.Errorf("%w: truncated list", ErrParse)
		}
		if peek[0] == 'e' {
			d.r.ReadByte()
			return List(list), nil
		}
		val, err := d.decode()
		if err != nil {
			return Value{}, err
		}
		list = append(list, val)
	}
}

func (d *decoder) decodeInt() (Value, error) {
	raw, err := d.r.ReadString('e')
	if err != nil {
		return Value{}, fmt.Errorf("%w: truncated integer", ErrParse)
	}
	digits := raw[:len(raw)-1]
	if digits == "" {
		return Value{}, fmt.Errorf("%w: empty integer", ErrParse)
	}
	if digits == "-0" {
		return Value{}, fmt.Errorf("%w: negative zero is forbidden", ErrParse)
	}
	neg := digits[0] == '-'
	unsigned := digits
	if neg {
		unsigned = digits[1:]
	}
	if len(unsigned) == 0 || (len(unsigned) > 1 && unsigned[0] == '0') {
		return Value{}, fmt.Errorf("%w: leading zero in integer %q", ErrParse, digits)
	}
	var n int64
	for _, c := range []byte(unsigned) {
		if c < '0' || c > '9' {
			return Value{}, fmt.Errorf("%w: invalid digit in integer %q", ErrParse, digits)
		}
		d := int64(c - '0')
		if n > (math.MaxInt64-d)/10 {
			return Value{}, fmt.Errorf("%w: integer overflow %q", ErrParse, digits)
		}
		n = n*10 + d
	}
	if neg {
		n = -n
	}
	return Int(n), nil
}

func (d *decoder) decodeString() (Value, error) {
	lenStr, err := d.r.ReadString(':')
	if err != nil {
		return Value{}, fmt.Errorf("%w: truncated string length", ErrParse)
	}
	lenStr = lenStr[:len(lenStr)-1]
	if lenStr == "" {
		return Value{}, fmt.Errorf("%w: empty string length", ErrParse)
	}
	var length int
	for _, c := range []byte(lenStr) {
		if c < '0' || c > '9' {
			return Value{}, fmt.Errorf("%w: negative or malformed string length %q", ErrParse, lenStr)
		}
		length = length*10 + int(c-'0')
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return Value{}, fmt.Errorf("%w: truncated string body", ErrParse)
	}
	return String(buf), nil
}
