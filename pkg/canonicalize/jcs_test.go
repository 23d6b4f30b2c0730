package canonicalize

import (
	"strings"
	"testing"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != `{"a":1,"b":2,"c":3}` {
		t.Errorf("Expected sorted keys, got %s", string(b))
	}
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"target": "https://example.com/?a=<b>&c",
	}

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	expected := `{"target":"https://example.com/?a=<b>&c"}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonicalHash_Stability(t *testing.T) {
	a := map[string]any{"x": "1", "y": map[string]any{"b": 2, "a": 1}}
	b := map[string]any{"y": map[string]any{"a": 1, "b": 2}, "x": "1"}

	ha, err := CanonicalHash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := CanonicalHash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Errorf("hash differs for equivalent objects: %s vs %s", ha, hb)
	}
	if !IsDigest(ha) {
		t.Errorf("expected 64-char hex digest, got %q", ha)
	}
}

func TestHashFields_OrderMatters(t *testing.T) {
	if HashFields("a", "b") == HashFields("b", "a") {
		t.Error("field order must change the digest")
	}
	if HashFields("a|b", "c") == HashFields("a", "b|c") {
		t.Error("moving a delimiter between fields must change the digest")
	}
	if HashFields("a", "b") != HashBytes([]byte("a|b")) {
		t.Error("digest is defined over the delimited concatenation")
	}
}

func TestGenesisHash(t *testing.T) {
	if GenesisHash != strings.Repeat("0", 64) || !IsDigest(GenesisHash) {
		t.Errorf("unexpected genesis value %q", GenesisHash)
	}
}

func TestIsDigest(t *testing.T) {
	if IsDigest("ABC") || IsDigest(strings.Repeat("G", 64)) || IsDigest(strings.Repeat("A", 64)) {
		t.Error("IsDigest accepted an invalid digest")
	}
}
