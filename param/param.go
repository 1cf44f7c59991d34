// Package param implements ParameterTable: the ordered name -> typed
// scalar/array value map persisted as a framed header file (spec
// section 4, "external collaborator"). GridStream, ParticleStream and
// Fileset talk to it only through this package's small Get/Set/Keys
// surface, per spec section 1.
//
// Modeled on compactindexsized/header.go's Meta (ordered KV list with
// length-prefixed framing) and indexmeta's Add/Get/GetFirst/Remove/Count
// surface.
package param

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/google/renameio"

	"github.com/phil-mansfield/go-artio/errcode"
)

// Kind is the scalar element type a Value holds.
type Kind uint8

const (
	KindInt32 Kind = iota
	KindInt64
	KindFloat32
	KindFloat64
	KindString
)

// Value is a single named entry: either a scalar or an array of Kind.
type Value struct {
	Kind    Kind
	Int32s  []int32
	Int64s  []int64
	Float32 []float32
	Float64 []float64
	Strings []string
}

func (v Value) length() int {
	switch v.Kind {
	case KindInt32:
		return len(v.Int32s)
	case KindInt64:
		return len(v.Int64s)
	case KindFloat32:
		return len(v.Float32)
	case KindFloat64:
		return len(v.Float64)
	case KindString:
		return len(v.Strings)
	default:
		return 0
	}
}

// entry pairs a name with a Value, preserving insertion order.
type entry struct {
	name  string
	value Value
}

// Table is an ordered name -> Value map.
type Table struct {
	order []entry
	index map[string]int
}

// New returns an empty parameter table.
func New() *Table {
	return &Table{index: make(map[string]int)}
}

func (t *Table) set(name string, v Value) {
	if i, ok := t.index[name]; ok {
		t.order[i].value = v
		return
	}
	t.index[name] = len(t.order)
	t.order = append(t.order, entry{name: name, value: v})
}

// Has reports whether name is present.
func (t *Table) Has(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Keys returns every key in insertion order.
func (t *Table) Keys() []string {
	keys := make([]string, len(t.order))
	for i, e := range t.order {
		keys[i] = e.name
	}
	return keys
}

// Get returns the raw Value for name.
func (t *Table) Get(name string) (Value, bool) {
	i, ok := t.index[name]
	if !ok {
		return Value{}, false
	}
	return t.order[i].value, true
}

func (t *Table) get(op, name string, k Kind) (Value, error) {
	v, ok := t.Get(name)
	if !ok {
		return Value{}, errcode.New(errcode.ParamNotFound, op, "key %q", name)
	}
	if v.Kind != k {
		return Value{}, errcode.New(errcode.ParamNotFound, op, "key %q has kind %d, want %d", name, v.Kind, k)
	}
	return v, nil
}

// SetInt32 stores a scalar int32.
func (t *Table) SetInt32(name string, x int32) { t.set(name, Value{Kind: KindInt32, Int32s: []int32{x}}) }

// SetInt64 stores a scalar int64.
func (t *Table) SetInt64(name string, x int64) { t.set(name, Value{Kind: KindInt64, Int64s: []int64{x}}) }

// SetFloat64 stores a scalar float64.
func (t *Table) SetFloat64(name string, x float64) {
	t.set(name, Value{Kind: KindFloat64, Float64: []float64{x}})
}

// SetString stores a scalar string.
func (t *Table) SetString(name string, x string) {
	t.set(name, Value{Kind: KindString, Strings: []string{x}})
}

// SetInt32Array stores an int32 array.
func (t *Table) SetInt32Array(name string, x []int32) { t.set(name, Value{Kind: KindInt32, Int32s: x}) }

// SetInt64Array stores an int64 array.
func (t *Table) SetInt64Array(name string, x []int64) { t.set(name, Value{Kind: KindInt64, Int64s: x}) }

// SetFloat64Array stores a float64 array.
func (t *Table) SetFloat64Array(name string, x []float64) {
	t.set(name, Value{Kind: KindFloat64, Float64: x})
}

// SetStringArray stores a string array.
func (t *Table) SetStringArray(name string, x []string) {
	t.set(name, Value{Kind: KindString, Strings: x})
}

// GetInt32 retrieves a scalar int32.
func (t *Table) GetInt32(name string) (int32, error) {
	v, err := t.get("Table.GetInt32", name, KindInt32)
	if err != nil {
		return 0, err
	}
	return v.Int32s[0], nil
}

// GetInt64 retrieves a scalar int64.
func (t *Table) GetInt64(name string) (int64, error) {
	v, err := t.get("Table.GetInt64", name, KindInt64)
	if err != nil {
		return 0, err
	}
	return v.Int64s[0], nil
}

// GetFloat64 retrieves a scalar float64.
func (t *Table) GetFloat64(name string) (float64, error) {
	v, err := t.get("Table.GetFloat64", name, KindFloat64)
	if err != nil {
		return 0, err
	}
	return v.Float64[0], nil
}

// GetString retrieves a scalar string.
func (t *Table) GetString(name string) (string, error) {
	v, err := t.get("Table.GetString", name, KindString)
	if err != nil {
		return "", err
	}
	return v.Strings[0], nil
}

// GetInt32Array retrieves an int32 array.
func (t *Table) GetInt32Array(name string) ([]int32, error) {
	v, err := t.get("Table.GetInt32Array", name, KindInt32)
	if err != nil {
		return nil, err
	}
	return v.Int32s, nil
}

// GetInt64Array retrieves an int64 array.
func (t *Table) GetInt64Array(name string) ([]int64, error) {
	v, err := t.get("Table.GetInt64Array", name, KindInt64)
	if err != nil {
		return nil, err
	}
	return v.Int64s, nil
}

// GetFloat64Array retrieves a float64 array.
func (t *Table) GetFloat64Array(name string) ([]float64, error) {
	v, err := t.get("Table.GetFloat64Array", name, KindFloat64)
	if err != nil {
		return nil, err
	}
	return v.Float64, nil
}

// GetStringArray retrieves a string array.
func (t *Table) GetStringArray(name string) ([]string, error) {
	v, err := t.get("Table.GetStringArray", name, KindString)
	if err != nil {
		return nil, err
	}
	return v.Strings, nil
}

// CopyFrom replaces t's contents with a deep copy of src's, preserving
// order — used when one fileset's header needs to seed another's
// (spec section 1: "copy between filesets").
func (t *Table) CopyFrom(src *Table) {
	t.order = make([]entry, len(src.order))
	t.index = make(map[string]int, len(src.order))
	for i, e := range src.order {
		t.order[i] = entry{name: e.name, value: cloneValue(e.value)}
		t.index[e.name] = i
	}
}

func cloneValue(v Value) Value {
	out := Value{Kind: v.Kind}
	out.Int32s = append([]int32(nil), v.Int32s...)
	out.Int64s = append([]int64(nil), v.Int64s...)
	out.Float32 = append([]float32(nil), v.Float32...)
	out.Float64 = append([]float64(nil), v.Float64...)
	out.Strings = append([]string(nil), v.Strings...)
	return out
}

// magic and nativeFingerprint open every header file. WriteFile
// writes both little-endian. ReadFile detects byte order from magic:
// if it reads back byte-reversed, every later field is swapped and the
// caller is told to set handle.EndianSwap for the fileset's typed
// reads. The fingerprint word is read past and not consulted.
const (
	magic             = uint32(0x41525430) // "ART0"
	nativeFingerprint = uint32(1)
)

// WriteFile serializes t to path, replacing any existing file
// atomically (so a crash mid-write can never leave a half-written
// header behind).
func WriteFile(path string, t *Table) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, magic); err != nil {
		return errcode.Wrap(errcode.IOError, "param.WriteFile", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, nativeFingerprint); err != nil {
		return errcode.Wrap(errcode.IOError, "param.WriteFile", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(t.order))); err != nil {
		return errcode.Wrap(errcode.IOError, "param.WriteFile", err)
	}
	for _, e := range t.order {
		if err := writeEntry(&buf, e); err != nil {
			return errcode.Wrap(errcode.IOError, "param.WriteFile", err)
		}
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errcode.WrapDetail(errcode.FileCreate, "param.WriteFile", "path %q", err, path)
	}
	return nil
}

func writeEntry(buf *bytes.Buffer, e entry) error {
	if len(e.name) > 255 {
		return fmt.Errorf("parameter name %q exceeds 255 bytes", e.name)
	}
	buf.WriteByte(byte(len(e.name)))
	buf.WriteString(e.name)
	buf.WriteByte(byte(e.value.Kind))
	if err := binary.Write(buf, binary.LittleEndian, uint32(e.value.length())); err != nil {
		return err
	}
	switch e.value.Kind {
	case KindInt32:
		return binary.Write(buf, binary.LittleEndian, e.value.Int32s)
	case KindInt64:
		return binary.Write(buf, binary.LittleEndian, e.value.Int64s)
	case KindFloat32:
		return binary.Write(buf, binary.LittleEndian, e.value.Float32)
	case KindFloat64:
		return binary.Write(buf, binary.LittleEndian, e.value.Float64)
	case KindString:
		for _, s := range e.value.Strings {
			if len(s) > 0xffff {
				return fmt.Errorf("string value exceeds 65535 bytes")
			}
			if err := binary.Write(buf, binary.LittleEndian, uint16(len(s))); err != nil {
				return err
			}
			buf.WriteString(s)
		}
		return nil
	default:
		return fmt.Errorf("unknown kind %d", e.value.Kind)
	}
}

// ReadFile parses path into a fresh Table. swapped reports whether
// the file's native endianness differs from this process's, so the
// caller (Fileset) can propagate handle.EndianSwap to the grid and
// particle streams.
func ReadFile(path string) (t *Table, swapped bool, err error) {
	data, rerr := os.ReadFile(path)
	if rerr != nil {
		return nil, false, errcode.WrapDetail(errcode.ParamNotFound, "param.ReadFile", "path %q", rerr, path)
	}
	r := bytes.NewReader(data)

	var gotMagic uint32
	if err := binary.Read(r, binary.LittleEndian, &gotMagic); err != nil {
		return nil, false, errcode.Wrap(errcode.IOError, "param.ReadFile", err)
	}
	if gotMagic != magic && reverseUint32(gotMagic) != magic {
		return nil, false, errcode.New(errcode.IOError, "param.ReadFile", "bad magic %x", gotMagic)
	}
	swapped = gotMagic != magic

	var fingerprint uint32
	if err := binary.Read(r, binary.LittleEndian, &fingerprint); err != nil {
		return nil, false, errcode.Wrap(errcode.IOError, "param.ReadFile", err)
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, false, errcode.Wrap(errcode.IOError, "param.ReadFile", err)
	}
	if swapped {
		count = reverseUint32(count)
	}

	t = New()
	for i := uint32(0); i < count; i++ {
		e, err := readEntry(r, swapped)
		if err != nil {
			return nil, false, errcode.WrapDetail(errcode.IOError, "param.ReadFile", "entry %d", err, i)
		}
		t.set(e.name, e.value)
	}
	return t, swapped, nil
}

func reverseUint32(x uint32) uint32 {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, x)
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func readEntry(r *bytes.Reader, swapped bool) (entry, error) {
	nameLen, err := r.ReadByte()
	if err != nil {
		return entry{}, err
	}
	nameBuf := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBuf); err != nil {
		return entry{}, err
	}
	kindByte, err := r.ReadByte()
	if err != nil {
		return entry{}, err
	}
	kind := Kind(kindByte)

	var count32 uint32
	if err := binary.Read(r, binary.LittleEndian, &count32); err != nil {
		return entry{}, err
	}
	if swapped {
		count32 = reverseUint32(count32)
	}
	count := int(count32)

	v := Value{Kind: kind}
	switch kind {
	case KindInt32:
		v.Int32s = make([]int32, count)
		if err := binary.Read(r, binary.LittleEndian, &v.Int32s); err != nil {
			return entry{}, err
		}
		if swapped {
			for i := range v.Int32s {
				v.Int32s[i] = int32(reverseUint32(uint32(v.Int32s[i])))
			}
		}
	case KindInt64:
		v.Int64s = make([]int64, count)
		if err := binary.Read(r, binary.LittleEndian, &v.Int64s); err != nil {
			return entry{}, err
		}
		if swapped {
			for i := range v.Int64s {
				v.Int64s[i] = int64(reverseUint64(uint64(v.Int64s[i])))
			}
		}
	case KindFloat32:
		v.Float32 = make([]float32, count)
		raw := make([]uint32, count)
		if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
			return entry{}, err
		}
		for i, bits := range raw {
			if swapped {
				bits = reverseUint32(bits)
			}
			v.Float32[i] = math.Float32frombits(bits)
		}
	case KindFloat64:
		v.Float64 = make([]float64, count)
		raw := make([]uint64, count)
		if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
			return entry{}, err
		}
		for i, bits := range raw {
			if swapped {
				bits = reverseUint64(bits)
			}
			v.Float64[i] = math.Float64frombits(bits)
		}
	case KindString:
		v.Strings = make([]string, count)
		for i := range v.Strings {
			var sl uint16
			if err := binary.Read(r, binary.LittleEndian, &sl); err != nil {
				return entry{}, err
			}
			if swapped {
				sl = sl>>8 | sl<<8
			}
			sb := make([]byte, sl)
			if _, err := io.ReadFull(r, sb); err != nil {
				return entry{}, err
			}
			v.Strings[i] = string(sb)
		}
	default:
		return entry{}, fmt.Errorf("unknown kind %d", kind)
	}
	return entry{name: string(nameBuf), value: v}, nil
}

func reverseUint64(x uint64) uint64 {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, x)
	var out uint64
	for i := 0; i < 8; i++ {
		out = out<<8 | uint64(b[i])
	}
	return out
}
