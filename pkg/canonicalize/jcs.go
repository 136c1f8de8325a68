// Package canonicalize provides deterministic JSON serialization and stable
// SHA-256 hashing for audit payloads, execution intents and replay reports.
//
// The canonical form follows RFC 8785 with three tightenings:
//  1. Object keys are sorted byte-wise on their NFC-normalized UTF-8 form.
//  2. time.Time values are rendered as UTC RFC 3339 with microsecond precision.
//  3. NaN and ±Inf are rendered as null instead of failing.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
)

// TimeLayout is the fixed-precision layout used for every timestamp that
// passes through the codec.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// ErrEncoding is matched by every *EncodingError.
var ErrEncoding = errors.New("canonicalize: encoding error")

// EncodingError reports a value that cannot be canonically serialized.
type EncodingError struct {
	Path   string
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("canonicalize: %s at %s", e.Reason, e.Path)
}

func (e *EncodingError) Is(target error) bool { return target == ErrEncoding }

// CanonicalJSON returns the canonical representation of v.
func CanonicalJSON(v any) ([]byte, error) {
	tree, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, tree, "$"); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalJSONString returns the canonical form as a string.
func CanonicalJSONString(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CanonicalizeRaw re-canonicalizes an opaque JSON document. Numbers are
// decoded without loss so integers keep their exact value.
func CanonicalizeRaw(raw []byte) ([]byte, error) {
	if !utf8.Valid(raw) {
		return nil, &EncodingError{Path: "$", Reason: "invalid utf-8"}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, &EncodingError{Path: "$", Reason: "invalid json: " + err.Error()}
	}
	if dec.More() {
		return nil, &EncodingError{Path: "$", Reason: "trailing data after json document"}
	}
	return CanonicalJSON(generic)
}

// StableHash returns the lowercase hex SHA-256 digest of the UTF-8 bytes of s.
func StableHash(s string) string {
	return HashBytes([]byte(s))
}

// HashBytes computes the SHA-256 hash of raw bytes and returns hex.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalHash is StableHash(CanonicalJSON(v)).
func CanonicalHash(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

func writeValue(buf *bytes.Buffer, v any, path string) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		s, err := formatNumber(t)
		if err != nil {
			return &EncodingError{Path: path, Reason: err.Error()}
		}
		buf.WriteString(s)
	case string:
		writeString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, elem, path+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := writeValue(buf, t[k], path+"."+k); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return &EncodingError{Path: path, Reason: fmt.Sprintf("unsupported normalized type %T", v)}
	}
	return nil
}

// writeString emits a JSON string without HTML escaping.
func writeString(buf *bytes.Buffer, s string) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	// Encoding a string never fails.
	_ = enc.Encode(s)
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
}

// formatNumber renders integers that fit in int64 exactly and every other
// number with the ECMAScript shortest round-trip form required by RFC 8785.
func formatNumber(n json.Number) (string, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil && !(errors.Is(err, strconv.ErrRange) && math.IsInf(f, 0)) {
		return "", fmt.Errorf("invalid number %q", s)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "null", nil
	}
	return jcs.NumberToJSON(f)
}
