package channel

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encoding records how a blob payload was serialized.
type Encoding string

const (
	EncodingBytes      Encoding = "bytes"
	EncodingString     Encoding = "string"
	EncodingStructured Encoding = "structured"
)

var deterministic = proto.MarshalOptions{Deterministic: true}

// Structured payloads are a structpb tree. A value whose Go type JSON
// cannot carry exactly is wrapped as {typeKey: descriptor, valueKey: v}.
// Integers are stored as decimal strings so 64-bit values keep every bit.
const (
	typeKey  = "$type"
	valueKey = "$value"
)

var (
	anyType    = reflect.TypeOf((*any)(nil)).Elem()
	bytesType  = reflect.TypeOf([]byte(nil))
	stringType = reflect.TypeOf("")

	scalarTypes = map[string]reflect.Type{
		"bool":    reflect.TypeOf(false),
		"int":     reflect.TypeOf(int(0)),
		"int8":    reflect.TypeOf(int8(0)),
		"int16":   reflect.TypeOf(int16(0)),
		"int32":   reflect.TypeOf(int32(0)),
		"int64":   reflect.TypeOf(int64(0)),
		"uint":    reflect.TypeOf(uint(0)),
		"uint8":   reflect.TypeOf(uint8(0)),
		"uint16":  reflect.TypeOf(uint16(0)),
		"uint32":  reflect.TypeOf(uint32(0)),
		"uint64":  reflect.TypeOf(uint64(0)),
		"float32": reflect.TypeOf(float32(0)),
		"float64": reflect.TypeOf(float64(0)),
		"string":  stringType,
		"any":     anyType,
		"bytes":   bytesType,
	}

	errUnsupported = errors.New("unsupported type")
)

// encode serializes data. Byte slices and strings pass through; everything
// else becomes a type-tagged structpb.Value. Structs and other types
// without a descriptor are normalized through JSON first and come back as
// maps.
func encode(data any) ([]byte, Encoding, error) {
	switch v := data.(type) {
	case []byte:
		out := make([]byte, len(v))
		copy(out, v)
		return out, EncodingBytes, nil
	case string:
		return []byte(v), EncodingString, nil
	}

	value, err := encodeAny(reflect.ValueOf(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to serialize %T: %w", data, err)
	}

	encoded, err := deterministic.Marshal(value)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal structured value: %w", err)
	}
	return encoded, EncodingStructured, nil
}

func decode(raw []byte, encoding Encoding) (any, error) {
	switch encoding {
	case EncodingBytes:
		out := make([]byte, len(raw))
		copy(out, raw)
		return out, nil
	case EncodingString:
		return string(raw), nil
	case EncodingStructured:
		var value structpb.Value
		if err := proto.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("failed to unmarshal structured value: %w", err)
		}
		return decodeAny(&value)
	default:
		return nil, fmt.Errorf("unknown encoding: %q", encoding)
	}
}

// describe names t in the descriptor grammar: a scalar name, "[]" elem or
// "map[string]" elem. Named types are described by their kind.
func describe(t reflect.Type) (string, bool) {
	switch t.Kind() {
	case reflect.Bool, reflect.String, reflect.Float32, reflect.Float64,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return t.Kind().String(), true
	case reflect.Interface:
		return "any", t.NumMethod() == 0
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return "bytes", true
		}
		elem, ok := describe(t.Elem())
		return "[]" + elem, ok
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return "", false
		}
		elem, ok := describe(t.Elem())
		return "map[string]" + elem, ok
	}
	return "", false
}

func typeOf(desc string) (reflect.Type, error) {
	if t, ok := scalarTypes[desc]; ok {
		return t, nil
	}
	if elem, ok := strings.CutPrefix(desc, "[]"); ok {
		t, err := typeOf(elem)
		if err != nil {
			return nil, err
		}
		return reflect.SliceOf(t), nil
	}
	if elem, ok := strings.CutPrefix(desc, "map[string]"); ok {
		t, err := typeOf(elem)
		if err != nil {
			return nil, err
		}
		return reflect.MapOf(stringType, t), nil
	}
	return nil, fmt.Errorf("%w: %q", errUnsupported, desc)
}

// encodeAny encodes a value held in an interface. Values JSON represents
// exactly stay untagged.
func encodeAny(rv reflect.Value) (*structpb.Value, error) {
	for rv.IsValid() && rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return structpb.NewNullValue(), nil
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return structpb.NewNullValue(), nil
	}

	desc, ok := describe(rv.Type())
	if !ok {
		return normalize(rv.Interface())
	}

	inner, err := encodeTyped(rv)
	if err != nil {
		return nil, err
	}
	switch desc {
	case "bool", "string", "float64", "[]any":
		return inner, nil
	case "map[string]any":
		if !rv.MapIndex(reflect.ValueOf(typeKey).Convert(rv.Type().Key())).IsValid() {
			return inner, nil
		}
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		typeKey:  structpb.NewStringValue(desc),
		valueKey: inner,
	}}), nil
}

// encodeTyped encodes rv for a reader that knows its type.
func encodeTyped(rv reflect.Value) (*structpb.Value, error) {
	switch rv.Kind() {
	case reflect.Bool:
		return structpb.NewBoolValue(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return structpb.NewStringValue(strconv.FormatInt(rv.Int(), 10)), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return structpb.NewStringValue(strconv.FormatUint(rv.Uint(), 10)), nil
	case reflect.Float32, reflect.Float64:
		return structpb.NewNumberValue(rv.Float()), nil
	case reflect.String:
		return structpb.NewStringValue(rv.String()), nil
	case reflect.Interface:
		return encodeAny(rv)
	case reflect.Slice:
		if rv.IsNil() {
			return structpb.NewNullValue(), nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return structpb.NewStringValue(base64.StdEncoding.EncodeToString(rv.Bytes())), nil
		}
		values := make([]*structpb.Value, rv.Len())
		for i := range values {
			v, err := encodeTyped(rv.Index(i))
			if err != nil {
				return nil, err
			}
			values[i] = v
		}
		return structpb.NewListValue(&structpb.ListValue{Values: values}), nil
	case reflect.Map:
		if rv.IsNil() {
			return structpb.NewNullValue(), nil
		}
		fields := make(map[string]*structpb.Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			v, err := encodeTyped(iter.Value())
			if err != nil {
				return nil, err
			}
			fields[iter.Key().String()] = v
		}
		return structpb.NewStructValue(&structpb.Struct{Fields: fields}), nil
	}
	return nil, fmt.Errorf("%w: %s", errUnsupported, rv.Type())
}

// normalize round-trips data through JSON. Integral numbers come back as
// int64 and the rest as float64.
func normalize(data any) (*structpb.Value, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return encodeAny(reflect.ValueOf(numbers(generic)))
}

func numbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = numbers(x[i])
		}
	case map[string]any:
		for k := range x {
			x[k] = numbers(x[k])
		}
	}
	return v
}

func decodeAny(v *structpb.Value) (any, error) {
	switch k := v.GetKind().(type) {
	case nil, *structpb.Value_NullValue:
		return nil, nil
	case *structpb.Value_BoolValue:
		return k.BoolValue, nil
	case *structpb.Value_NumberValue:
		return k.NumberValue, nil
	case *structpb.Value_StringValue:
		return k.StringValue, nil
	case *structpb.Value_ListValue:
		values := k.ListValue.GetValues()
		out := make([]any, len(values))
		for i, item := range values {
			x, err := decodeAny(item)
			if err != nil {
				return nil, err
			}
			out[i] = x
		}
		return out, nil
	case *structpb.Value_StructValue:
		fields := k.StructValue.GetFields()
		if tag, tagged := fields[typeKey]; tagged {
			t, err := typeOf(tag.GetStringValue())
			if err != nil {
				return nil, err
			}
			rv, err := decodeTyped(fields[valueKey], t)
			if err != nil {
				return nil, err
			}
			return rv.Interface(), nil
		}
		out := make(map[string]any, len(fields))
		for key, item := range fields {
			x, err := decodeAny(item)
			if err != nil {
				return nil, err
			}
			out[key] = x
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %T", errUnsupported, v.GetKind())
}

func decodeTyped(v *structpb.Value, t reflect.Type) (reflect.Value, error) {
	out := reflect.New(t).Elem()
	if _, null := v.GetKind().(*structpb.Value_NullValue); null || v == nil {
		return out, nil
	}

	switch t.Kind() {
	case reflect.Interface:
		x, err := decodeAny(v)
		if err != nil {
			return out, err
		}
		if x != nil {
			out.Set(reflect.ValueOf(x))
		}
	case reflect.Bool:
		out.SetBool(v.GetBoolValue())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(v.GetStringValue(), 10, t.Bits())
		if err != nil {
			return out, err
		}
		out.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(v.GetStringValue(), 10, t.Bits())
		if err != nil {
			return out, err
		}
		out.SetUint(n)
	case reflect.Float32, reflect.Float64:
		out.SetFloat(v.GetNumberValue())
	case reflect.String:
		out.SetString(v.GetStringValue())
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			b, err := base64.StdEncoding.DecodeString(v.GetStringValue())
			if err != nil {
				return out, err
			}
			out.SetBytes(b)
			return out, nil
		}
		values := v.GetListValue().GetValues()
		slice := reflect.MakeSlice(t, len(values), len(values))
		for i, item := range values {
			elem, err := decodeTyped(item, t.Elem())
			if err != nil {
				return out, err
			}
			slice.Index(i).Set(elem)
		}
		out.Set(slice)
	case reflect.Map:
		fields := v.GetStructValue().GetFields()
		m := reflect.MakeMapWithSize(t, len(fields))
		for key, item := range fields {
			elem, err := decodeTyped(item, t.Elem())
			if err != nil {
				return out, err
			}
			m.SetMapIndex(reflect.ValueOf(key).Convert(t.Key()), elem)
		}
		out.Set(m)
	default:
		return out, fmt.Errorf("%w: %s", errUnsupported, t)
	}
	return out, nil
}

// compress gzips data and returns the base64 text of the stream.
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	out := make([]byte, base64.StdEncoding.EncodedLen(buf.Len()))
	base64.StdEncoding.Encode(out, buf.Bytes())
	return out, nil
}

func decompress(data []byte) ([]byte, error) {
	stream := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(stream, data)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payload: %w", err)
	}

	r, err := gzip.NewReader(bytes.NewReader(stream[:n]))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
