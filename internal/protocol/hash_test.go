package protocol

import "testing"

func TestCanonicalJSONSortsKeysAndDropsWhitespace(t *testing.T) {
	got, err := CanonicalizeRaw([]byte(`{ "b": 2, "a": {"z": true, "c": [1, "x<y"]}, "m": null }`))
	if err != nil {
		t.Fatalf("CanonicalizeRaw error: %v", err)
	}
	want := `{"a":{"c":[1,"x<y"],"z":true},"b":2,"m":null}`
	if string(got) != want {
		t.Fatalf("unexpected canonical form\n got: %s\nwant: %s", got, want)
	}
}

func TestCanonicalJSONDeterministicAcrossMapOrder(t *testing.T) {
	a := map[string]any{"seq": 1, "job_type": "x", "payload": map[string]any{"k": "v", "a": 0.35}}
	b := map[string]any{"payload": map[string]any{"a": 0.35, "k": "v"}, "job_type": "x", "seq": 1}
	h1, err := HashCanonical(a)
	if err != nil {
		t.Fatalf("HashCanonical error: %v", err)
	}
	h2, err := HashCanonical(b)
	if err != nil {
		t.Fatalf("HashCanonical error: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical hashes, got %q and %q", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected hex sha256, got %q", h1)
	}
}

func TestCanonicalizeRawRejectsTrailingData(t *testing.T) {
	if _, err := CanonicalizeRaw([]byte(`{"a":1}{"b":2}`)); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestZeroHashShape(t *testing.T) {
	if len(ZeroHash) != 64 {
		t.Fatalf("zero hash length %d", len(ZeroHash))
	}
}
