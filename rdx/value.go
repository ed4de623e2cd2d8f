package rdx

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/drpcorg/kniga/protocol"
)

// ValueKind tags the variants of Value. The set is closed.
type ValueKind byte

const (
	KindNull      ValueKind = 'N'
	KindBool      ValueKind = 'B'
	KindI64       ValueKind = 'I'
	KindDouble    ValueKind = 'F'
	KindString    ValueKind = 'S'
	KindBinary    ValueKind = 'Y'
	KindList      ValueKind = 'L'
	KindMap       ValueKind = 'M'
	KindContainer ValueKind = 'C'
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindI64:
		return "i64"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindBinary:
		return "binary"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindContainer:
		return "container"
	default:
		return "unknown"
	}
}

var (
	ErrBadValue     = errors.New("rdx: bad value record")
	ErrValueNesting = errors.New("rdx: value nesting is too deep")
)

const MaxValueNesting = 64

// Value is a tagged union. The zero Value is Null; Null is an explicit
// variant, never "no value".
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	f    float64
	s    string
	bin  []byte
	list []Value
	m    map[string]Value
	cid  ContainerID
}

func Null() Value                    { return Value{kind: KindNull} }
func Bool(b bool) Value              { return Value{kind: KindBool, b: b} }
func I64(i int64) Value              { return Value{kind: KindI64, i: i} }
func Double(f float64) Value         { return Value{kind: KindDouble, f: f} }
func String(s string) Value          { return Value{kind: KindString, s: s} }
func Binary(b []byte) Value          { return Value{kind: KindBinary, bin: slices.Clone(b)} }
func ListOf(vals ...Value) Value     { return Value{kind: KindList, list: vals} }
func MapOf(m map[string]Value) Value { return Value{kind: KindMap, m: m} }
func ContainerRef(cid ContainerID) Value {
	return Value{kind: KindContainer, cid: cid}
}

func (v Value) Kind() ValueKind {
	if v.kind == 0 {
		return KindNull
	}
	return v.kind
}

func (v Value) IsNull() bool      { return v.Kind() == KindNull }
func (v Value) IsContainer() bool { return v.kind == KindContainer }

func (v Value) AsBool() (bool, bool)       { return v.b, v.kind == KindBool }
func (v Value) AsI64() (int64, bool)       { return v.i, v.kind == KindI64 }
func (v Value) AsDouble() (float64, bool)  { return v.f, v.kind == KindDouble }
func (v Value) AsString() (string, bool)   { return v.s, v.kind == KindString }
func (v Value) AsBinary() ([]byte, bool)   { return v.bin, v.kind == KindBinary }
func (v Value) AsList() ([]Value, bool)    { return v.list, v.kind == KindList }
func (v Value) AsMap() (map[string]Value, bool) {
	return v.m, v.kind == KindMap
}
func (v Value) AsContainer() (ContainerID, bool) {
	return v.cid, v.kind == KindContainer
}

// FromNative converts plain Go values; containers pass through.
func FromNative(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return I64(int64(t)), nil
	case int32:
		return I64(int64(t)), nil
	case int64:
		return I64(t), nil
	case uint32:
		return I64(int64(t)), nil
	case float32:
		return Double(float64(t)), nil
	case float64:
		return Double(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Binary(t), nil
	case ContainerID:
		return ContainerRef(t), nil
	case []any:
		list := make([]Value, 0, len(t))
		for _, e := range t {
			v, err := FromNative(e)
			if err != nil {
				return Null(), err
			}
			list = append(list, v)
		}
		return ListOf(list...), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			v, err := FromNative(e)
			if err != nil {
				return Null(), err
			}
			m[k] = v
		}
		return MapOf(m), nil
	default:
		return Null(), fmt.Errorf("%w: unsupported native type %T", ErrBadValue, x)
	}
}

// Native converts the value into plain Go values (containers stay
// ContainerIDs).
func (v Value) Native() any {
	switch v.Kind() {
	case KindBool:
		return v.b
	case KindI64:
		return v.i
	case KindDouble:
		return v.f
	case KindString:
		return v.s
	case KindBinary:
		return v.bin
	case KindList:
		ret := make([]any, 0, len(v.list))
		for _, e := range v.list {
			ret = append(ret, e.Native())
		}
		return ret
	case KindMap:
		ret := make(map[string]any, len(v.m))
		for k, e := range v.m {
			ret[k] = e.Native()
		}
		return ret
	case KindContainer:
		return v.cid
	default:
		return nil
	}
}

func (v Value) Equal(b Value) bool {
	if v.Kind() != b.Kind() {
		return false
	}
	switch v.Kind() {
	case KindNull:
		return true
	case KindBool:
		return v.b == b.b
	case KindI64:
		return v.i == b.i
	case KindDouble:
		return v.f == b.f || (math.IsNaN(v.f) && math.IsNaN(b.f))
	case KindString:
		return v.s == b.s
	case KindBinary:
		return bytes.Equal(v.bin, b.bin)
	case KindList:
		return slices.EqualFunc(v.list, b.list, Value.Equal)
	case KindMap:
		if len(v.m) != len(b.m) {
			return false
		}
		for k, e := range v.m {
			be, ok := b.m[k]
			if !ok || !e.Equal(be) {
				return false
			}
		}
		return true
	case KindContainer:
		return v.cid == b.cid
	}
	return false
}

func (v Value) String() string {
	var sb strings.Builder
	v.appendString(&sb)
	return sb.String()
}

func (v Value) appendString(sb *strings.Builder) {
	switch v.Kind() {
	case KindNull:
		sb.WriteString("null")
	case KindBool:
		sb.WriteString(strconv.FormatBool(v.b))
	case KindI64:
		sb.WriteString(strconv.FormatInt(v.i, 10))
	case KindDouble:
		sb.WriteString(strconv.FormatFloat(v.f, 'g', -1, 64))
	case KindString:
		sb.WriteString(strconv.Quote(v.s))
	case KindBinary:
		fmt.Fprintf(sb, "0x%x", v.bin)
	case KindList:
		sb.WriteByte('[')
		for i, e := range v.list {
			if i > 0 {
				sb.WriteByte(',')
			}
			e.appendString(sb)
		}
		sb.WriteByte(']')
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteByte(':')
			v.m[k].appendString(sb)
		}
		sb.WriteByte('}')
	case KindContainer:
		sb.WriteString(v.cid.String())
	}
}

// AppendTLV appends the value as one record typed by its kind.
func (v Value) AppendTLV(into []byte) []byte {
	switch v.Kind() {
	case KindNull:
		return protocol.Append(into, 'N')
	case KindBool:
		b := byte(0)
		if v.b {
			b = 1
		}
		return protocol.Append(into, 'B', []byte{b})
	case KindI64:
		return protocol.Append(into, 'I', ZipInt64(v.i))
	case KindDouble:
		return protocol.Append(into, 'F', ZipFloat64(v.f))
	case KindString:
		return protocol.Append(into, 'S', []byte(v.s))
	case KindBinary:
		return protocol.Append(into, 'Y', v.bin)
	case KindList:
		bm, into := protocol.OpenHeader(into, 'L')
		for _, e := range v.list {
			into = e.AppendTLV(into)
		}
		protocol.CloseHeader(into, bm)
		return into
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		bm, into := protocol.OpenHeader(into, 'M')
		for _, k := range keys {
			into = protocol.Append(into, 'K', []byte(k))
			into = v.m[k].AppendTLV(into)
		}
		protocol.CloseHeader(into, bm)
		return into
	case KindContainer:
		return append(into, protocol.Record('C', v.cid.TLV())...)
	}
	return into
}

func (v Value) TLV() []byte {
	return v.AppendTLV(nil)
}

// TakeValue parses one value record off the front of data.
func TakeValue(data []byte) (v Value, rest []byte, err error) {
	return takeValue(data, 0)
}

func takeValue(data []byte, depth int) (v Value, rest []byte, err error) {
	if depth > MaxValueNesting {
		return Null(), nil, ErrValueNesting
	}
	lit, body, rest, err := protocol.TakeAnyWary(data)
	if err != nil {
		return Null(), nil, err
	}
	switch ValueKind(lit) {
	case KindNull:
		v = Null()
	case KindBool:
		if len(body) != 1 {
			return Null(), nil, ErrBadValue
		}
		v = Bool(body[0] != 0)
	case KindI64:
		if len(body) > 8 {
			return Null(), nil, ErrBadValue
		}
		v = I64(UnzipInt64(body))
	case KindDouble:
		if len(body) > 8 {
			return Null(), nil, ErrBadValue
		}
		v = Double(UnzipFloat64(body))
	case KindString:
		v = String(string(body))
	case KindBinary:
		v = Binary(body)
	case KindList:
		list := []Value{}
		for len(body) > 0 {
			var e Value
			e, body, err = takeValue(body, depth+1)
			if err != nil {
				return Null(), nil, err
			}
			list = append(list, e)
		}
		v = ListOf(list...)
	case KindMap:
		m := make(map[string]Value)
		for len(body) > 0 {
			var key []byte
			key, body, err = protocol.TakeWary('K', body)
			if err != nil {
				return Null(), nil, err
			}
			var e Value
			e, body, err = takeValue(body, depth+1)
			if err != nil {
				return Null(), nil, err
			}
			m[string(key)] = e
		}
		v = MapOf(m)
	case KindContainer:
		cid, tail, cerr := ContainerIDFromTLV(body)
		if cerr != nil || len(tail) != 0 {
			return Null(), nil, ErrBadValue
		}
		v = ContainerRef(cid)
	default:
		return Null(), nil, ErrBadValue
	}
	return v, rest, nil
}
