package canonicalize

import (
	"bytes"
	"encoding"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

var (
	timeType          = reflect.TypeOf(time.Time{})
	numberType        = reflect.TypeOf(json.Number(""))
	rawMessageType    = reflect.TypeOf(json.RawMessage(nil))
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// Normalize converts v into the generic tree the serializer understands:
// nil, bool, json.Number, string, []any and map[string]any. Struct fields
// follow encoding/json tag rules. Cycles and unsupported kinds produce an
// *EncodingError.
func Normalize(v any) (any, error) {
	w := &walker{active: make(map[visit]struct{})}
	return w.walk(reflect.ValueOf(v), "$")
}

// FormatTime renders t in the codec's fixed-precision UTC layout.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(TimeLayout)
}

type visit struct {
	ptr uintptr
	len int
	typ reflect.Type
}

type walker struct {
	// active holds the references on the current descent path only, so
	// shared (non-cyclic) references are allowed.
	active map[visit]struct{}
}

func (w *walker) enter(v reflect.Value, path string) (func(), error) {
	key := visit{ptr: v.Pointer(), typ: v.Type()}
	if v.Kind() == reflect.Slice {
		key.len = v.Len()
	}
	if key.ptr == 0 {
		return func() {}, nil
	}
	if _, ok := w.active[key]; ok {
		return nil, &EncodingError{Path: path, Reason: "cyclic reference"}
	}
	w.active[key] = struct{}{}
	return func() { delete(w.active, key) }, nil
}

func (w *walker) walk(v reflect.Value, path string) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}

	switch v.Type() {
	case timeType:
		return FormatTime(v.Interface().(time.Time)), nil
	case numberType:
		n := v.Interface().(json.Number)
		if _, err := formatNumber(n); err != nil {
			return nil, &EncodingError{Path: path, Reason: err.Error()}
		}
		return n, nil
	case rawMessageType:
		if v.IsNil() {
			return nil, nil
		}
		return w.decodeJSON(v.Bytes(), path)
	}

	if v.Kind() != reflect.Pointer && v.Kind() != reflect.Interface && v.Type().Implements(jsonMarshalerType) {
		return w.marshaler(v, path)
	}

	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return nil, nil
		}
		if v.Type().Implements(jsonMarshalerType) && v.Elem().Type() != timeType {
			return w.marshaler(v, path)
		}
		leave, err := w.enter(v, path)
		if err != nil {
			return nil, err
		}
		defer leave()
		return w.walk(v.Elem(), path)
	case reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		return w.walk(v.Elem(), path)
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return json.Number(strconv.FormatInt(v.Int(), 10)), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return json.Number(strconv.FormatUint(v.Uint(), 10)), nil
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, nil
		}
		bits := 64
		if v.Kind() == reflect.Float32 {
			bits = 32
		}
		return json.Number(strconv.FormatFloat(f, 'g', -1, bits)), nil
	case reflect.String:
		return nfc(v.String(), path)
	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return base64.StdEncoding.EncodeToString(v.Bytes()), nil
		}
		leave, err := w.enter(v, path)
		if err != nil {
			return nil, err
		}
		defer leave()
		return w.sequence(v, path)
	case reflect.Array:
		return w.sequence(v, path)
	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		leave, err := w.enter(v, path)
		if err != nil {
			return nil, err
		}
		defer leave()
		return w.mapping(v, path)
	case reflect.Struct:
		return w.object(v, path)
	default:
		return nil, &EncodingError{Path: path, Reason: "unsupported type " + v.Type().String()}
	}
}

func (w *walker) sequence(v reflect.Value, path string) (any, error) {
	out := make([]any, v.Len())
	for i := 0; i < v.Len(); i++ {
		elem, err := w.walk(v.Index(i), path+"["+strconv.Itoa(i)+"]")
		if err != nil {
			return nil, err
		}
		out[i] = elem
	}
	return out, nil
}

func (w *walker) mapping(v reflect.Value, path string) (any, error) {
	out := make(map[string]any, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		key, err := mapKey(iter.Key(), path)
		if err != nil {
			return nil, err
		}
		if _, dup := out[key]; dup {
			return nil, &EncodingError{Path: path, Reason: fmt.Sprintf("duplicate key %q after normalization", key)}
		}
		elem, err := w.walk(iter.Value(), path+"."+key)
		if err != nil {
			return nil, err
		}
		out[key] = elem
	}
	return out, nil
}

// nfc rejects invalid UTF-8, which NFC would otherwise fold into U+FFFD,
// and returns s in normalization form C.
func nfc(s, path string) (string, error) {
	if !utf8.ValidString(s) {
		return "", &EncodingError{Path: path, Reason: "invalid utf-8"}
	}
	return norm.NFC.String(s), nil
}

func mapKey(k reflect.Value, path string) (string, error) {
	if k.Kind() == reflect.String {
		return nfc(k.String(), path)
	}
	if k.Type().Implements(textMarshalerType) {
		b, err := k.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return "", &EncodingError{Path: path, Reason: "map key: " + err.Error()}
		}
		return nfc(string(b), path)
	}
	switch k.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(k.Uint(), 10), nil
	}
	return "", &EncodingError{Path: path, Reason: "unsupported map key type " + k.Type().String()}
}

func (w *walker) object(v reflect.Value, path string) (any, error) {
	out := make(map[string]any)
	if err := w.collectFields(v, path, out, make(map[string]int), 0); err != nil {
		return nil, err
	}
	return out, nil
}

// collectFields flattens embedded structs the way encoding/json does for the
// common case: shallower fields win over promoted ones.
func (w *walker) collectFields(v reflect.Value, path string, out map[string]any, depthOf map[string]int, depth int) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		fv := v.Field(i)

		if f.Anonymous && name == "" {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				if fv.IsNil() {
					continue
				}
				ft = ft.Elem()
				fv = fv.Elem()
			}
			if ft.Kind() == reflect.Struct && ft != timeType {
				if err := w.collectFields(fv, path, out, depthOf, depth+1); err != nil {
					return err
				}
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if strings.Contains(opts, "omitempty") && isEmptyValue(fv) {
			continue
		}
		if d, seen := depthOf[name]; seen && d <= depth {
			continue
		}
		elem, err := w.walk(fv, path+"."+name)
		if err != nil {
			return err
		}
		out[name] = elem
		depthOf[name] = depth
	}
	return nil
}

func (w *walker) marshaler(v reflect.Value, path string) (any, error) {
	m, ok := v.Interface().(json.Marshaler)
	if !ok {
		return nil, &EncodingError{Path: path, Reason: "marshaler assertion failed"}
	}
	b, err := m.MarshalJSON()
	if err != nil {
		return nil, &EncodingError{Path: path, Reason: "MarshalJSON: " + err.Error()}
	}
	return w.decodeJSON(b, path)
}

func (w *walker) decodeJSON(b []byte, path string) (any, error) {
	if !utf8.Valid(b) {
		return nil, &EncodingError{Path: path, Reason: "invalid utf-8"}
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, &EncodingError{Path: path, Reason: "embedded json: " + err.Error()}
	}
	return w.walk(reflect.ValueOf(generic), path)
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	}
	return false
}
