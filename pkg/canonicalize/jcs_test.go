package canonicalize

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func TestCanonicalJSON_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	b, err := CanonicalJSON(input)
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}
	if got, want := string(b), `{"a":1,"b":2,"c":3}`; got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestCanonicalJSON_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": []interface{}{3, 1, 2},
	}

	b, err := CanonicalJSON(input)
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}
	// Arrays keep their input order.
	if got, want := string(b), `{"a":[3,1,2],"z":{"x":"bar","y":"foo"}}`; got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestCanonicalJSON_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	b, err := CanonicalJSON(input)
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}
	if got, want := string(b), `{"html":"<script>alert('xss')</script> &"}`; got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestCanonicalJSON_TimeNormalization(t *testing.T) {
	zone := time.FixedZone("CEST", 2*60*60)
	ts := time.Date(2026, 3, 14, 17, 30, 0, 123456789, zone)

	b, err := CanonicalJSON(map[string]any{"at": ts})
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}
	if got, want := string(b), `{"at":"2026-03-14T15:30:00.123456Z"}`; got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}

	// The same instant in another zone hashes identically.
	h1, _ := CanonicalHash(map[string]any{"at": ts})
	h2, _ := CanonicalHash(map[string]any{"at": ts.UTC()})
	if h1 != h2 {
		t.Errorf("hash differs across zones: %s vs %s", h1, h2)
	}
}

func TestCanonicalJSON_SpecialFloats(t *testing.T) {
	// Runtime addition; a constant expression would fold to exactly 0.3.
	a, b := 0.1, 0.2
	input := map[string]any{
		"nan":  math.NaN(),
		"pinf": math.Inf(1),
		"ninf": math.Inf(-1),
		"one":  1.0,
		"frac": a + b,
	}

	out, err := CanonicalJSON(input)
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}
	want := `{"frac":0.30000000000000004,"nan":null,"ninf":null,"one":1,"pinf":null}`
	if string(out) != want {
		t.Errorf("Expected %s, got %s", want, string(out))
	}
}

func TestCanonicalJSON_StructTags(t *testing.T) {
	type inner struct {
		Shared string `json:"shared"`
		Deep   int    `json:"deep"`
	}
	type outer struct {
		inner
		Shared  string            `json:"shared"`
		Skipped string            `json:"-"`
		Empty   string            `json:"empty,omitempty"`
		Labels  map[string]string `json:"labels,omitempty"`
		Raw     json.RawMessage   `json:"raw"`
		private string
	}

	v := outer{
		inner:   inner{Shared: "promoted", Deep: 7},
		Shared:  "outer",
		Skipped: "nope",
		Raw:     json.RawMessage(`{"b":2,"a":1.50}`),
		private: "hidden",
	}

	got, err := CanonicalJSONString(v)
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}
	want := `{"deep":7,"raw":{"a":1.5,"b":2},"shared":"outer"}`
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestCanonicalJSON_CycleIsEncodingError(t *testing.T) {
	type node struct {
		Name string `json:"name"`
		Next *node  `json:"next"`
	}
	a := &node{Name: "a"}
	b := &node{Name: "b", Next: a}
	a.Next = b

	_, err := CanonicalJSON(a)
	if err == nil {
		t.Fatal("expected error for cyclic structure")
	}
	if !errors.Is(err, ErrEncoding) {
		t.Fatalf("expected ErrEncoding, got %v", err)
	}
	var encErr *EncodingError
	if !errors.As(err, &encErr) || !strings.Contains(encErr.Reason, "cyclic") {
		t.Fatalf("expected cyclic EncodingError, got %v", err)
	}
}

func TestCanonicalJSON_SharedReferenceIsNotACycle(t *testing.T) {
	shared := map[string]int{"x": 1}
	input := map[string]any{"left": shared, "right": shared}

	got, err := CanonicalJSONString(input)
	if err != nil {
		t.Fatalf("shared reference must not be reported as cycle: %v", err)
	}
	if want := `{"left":{"x":1},"right":{"x":1}}`; got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestCanonicalJSON_UnsupportedType(t *testing.T) {
	_, err := CanonicalJSON(map[string]any{"ch": make(chan int)})
	if !errors.Is(err, ErrEncoding) {
		t.Fatalf("expected ErrEncoding for channel, got %v", err)
	}
	_, err = CanonicalJSON(map[string]any{"fn": func() {}})
	if !errors.Is(err, ErrEncoding) {
		t.Fatalf("expected ErrEncoding for func, got %v", err)
	}
}

func TestCanonicalJSON_InvalidUTF8IsEncodingError(t *testing.T) {
	cases := map[string]any{
		"value":  map[string]any{"target": "host\xff"},
		"key":    map[string]any{"host\xfe": 1},
		"nested": []any{map[string]string{"a": "ok"}, "bad\xc3"},
		"struct": struct {
			Target string `json:"target"`
		}{Target: "host\xff"},
		"raw": json.RawMessage("{\"target\":\"host\xff\"}"),
	}
	for name, input := range cases {
		if _, err := CanonicalJSON(input); !errors.Is(err, ErrEncoding) {
			t.Errorf("%s: expected ErrEncoding, got %v", name, err)
		}
	}

	if _, err := CanonicalizeRaw([]byte("{\"target\":\"host\xfe\"}")); !errors.Is(err, ErrEncoding) {
		t.Errorf("CanonicalizeRaw: expected ErrEncoding, got %v", err)
	}
}

func TestCanonicalHash_DistinctBytesNeverCollapse(t *testing.T) {
	h1, err1 := CanonicalHash(map[string]any{"target": "host\xff"})
	h2, err2 := CanonicalHash(map[string]any{"target": "host\xfe"})
	if err1 == nil || err2 == nil {
		t.Fatalf("expected errors, got %q (%v) and %q (%v)", h1, err1, h2, err2)
	}
	var ee *EncodingError
	if !errors.As(err1, &ee) || ee.Path != "$.target" {
		t.Errorf("expected EncodingError at $.target, got %v", err1)
	}
}

func TestCanonicalHash_StructMatchesMap(t *testing.T) {
	v1 := map[string]interface{}{"a": 1, "b": 2}

	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := S{B: 2, A: 1}

	h1, err := CanonicalHash(v1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := CanonicalHash(v2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("Hash mismatch! Map: %s, Struct: %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(h1))
	}
}

func TestCanonicalHash_UnicodeNormalization(t *testing.T) {
	composed := map[string]string{"caf\u00e9": "r\u00e9sum\u00e9"}
	decomposed := map[string]string{"cafe\u0301": "re\u0301sume\u0301"}

	h1, _ := CanonicalHash(composed)
	h2, _ := CanonicalHash(decomposed)
	if h1 != h2 {
		t.Errorf("NFC-equivalent strings hashed differently: %s vs %s", h1, h2)
	}
}

func TestCanonicalizeRaw(t *testing.T) {
	got, err := CanonicalizeRaw([]byte(` { "b" : 1.0, "a" : 1e2, "c": [true, null, "x"] } `))
	if err != nil {
		t.Fatalf("CanonicalizeRaw failed: %v", err)
	}
	if want := `{"a":100,"b":1,"c":[true,null,"x"]}`; string(got) != want {
		t.Errorf("Expected %s, got %s", want, string(got))
	}

	if _, err := CanonicalizeRaw([]byte(`{"a":1} {"b":2}`)); !errors.Is(err, ErrEncoding) {
		t.Errorf("expected trailing data to be rejected, got %v", err)
	}
	if _, err := CanonicalizeRaw([]byte(`{"a":`)); !errors.Is(err, ErrEncoding) {
		t.Errorf("expected truncated json to be rejected, got %v", err)
	}
}

func TestCanonicalizeRaw_Idempotent(t *testing.T) {
	v := map[string]any{
		"n":   int64(9007199254740993),
		"f":   2.5e-7,
		"s":   "line\nbreak  ",
		"arr": []any{map[string]any{"z": 1, "y": 2}},
	}
	first, err := CanonicalJSON(v)
	if err != nil {
		t.Fatal(err)
	}
	second, err := CanonicalizeRaw(first)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Errorf("canonical form is not a fixed point:\n%s\n%s", first, second)
	}
}

func TestStableHash_KnownVector(t *testing.T) {
	// sha256("{}")
	if got, want := StableHash("{}"), "44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a"; got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestContentID(t *testing.T) {
	seed := map[string]any{"correlation_id": "corr-1", "sequence": 3}
	id1, err := ContentID(seed)
	if err != nil {
		t.Fatal(err)
	}
	id2, _ := ContentID(map[string]any{"sequence": 3, "correlation_id": "corr-1"})
	if id1 != id2 {
		t.Errorf("content id not stable: %s vs %s", id1, id2)
	}
	if len(id1) != ContentIDLength {
		t.Errorf("expected %d chars, got %d (%s)", ContentIDLength, len(id1), id1)
	}
	if strings.ToLower(id1) != id1 {
		t.Errorf("expected lowercase id, got %s", id1)
	}

	other, _ := ContentID(map[string]any{"correlation_id": "corr-1", "sequence": 4})
	if other == id1 {
		t.Error("different seeds produced the same id")
	}

	pid, _ := PrefixedContentID("evt", seed)
	if pid != "evt_"+id1 {
		t.Errorf("unexpected prefixed id %s", pid)
	}
}
