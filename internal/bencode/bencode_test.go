package bencode

import (
	"reflect"
	"testing"
)

func TestDecodeScalars(t *testing.T) {
	cases := map[string]any{
		"i42e":        int64(42),
		"i-7e":        int64(-7),
		"4:spam":      "spam",
		"0:":          "",
		"l4:spam4:eggse": []any{"spam", "eggs"},
	}

	for in, want := range cases {
		got, err := Unmarshal([]byte(in))
		if err != nil {
			t.Fatalf("Unmarshal(%q): %v", in, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("Unmarshal(%q) = %#v, want %#v", in, got, want)
		}
	}
}

func TestDecodeDict(t *testing.T) {
	got, err := Unmarshal([]byte("d3:cow3:moo4:spam4:eggse"))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := map[string]any{"cow": "moo", "spam": "eggs"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []string{
		"i08e",   // leading zero
		"i-0e",   // negative zero
		"i-e",    // lone minus
		"-1:abc", // negative string length
		"d3:cowe", // dict with odd number of elements
	}
	for _, in := range cases {
		if _, err := Unmarshal([]byte(in)); err == nil {
			t.Fatalf("Unmarshal(%q): expected error", in)
		}
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	if _, err := Unmarshal([]byte("i1ei2e")); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	v := map[string]any{
		"announce": "http://tracker.example/announce",
		"interval": int64(1800),
		"peers":    []any{"a", "b", "c"},
	}

	b, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(got, v) {
		t.Fatalf("round trip mismatch: got %#v, want %#v", got, v)
	}
}

func TestEncodeDictKeysSorted(t *testing.T) {
	b, err := Marshal(map[string]any{"b": int64(1), "a": int64(2)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != "d1:ai2e1:bi1ee" {
		t.Fatalf("got %q, want sorted-key dict", b)
	}
}
