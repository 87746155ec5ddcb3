package compression

import (
	"bytes"
	"testing"
)

var allTypes = []Type{NoCompression, SnappyCompression, ZlibCompression, LZ4Compression, LZ4HCCompression, ZstdCompression}

func TestCompressRoundTrip(t *testing.T) {
	inputs := map[string][]byte{
		"empty":      {},
		"small":      []byte("row payload"),
		"repetitive": bytes.Repeat([]byte("account=42;balance=100;"), 200),
	}

	for _, ct := range allTypes {
		for name, data := range inputs {
			t.Run(ct.String()+"/"+name, func(t *testing.T) {
				compressed, err := Compress(ct, data)
				if err != nil {
					t.Fatalf("Compress failed: %v", err)
				}
				decompressed, err := Decompress(ct, compressed)
				if err != nil {
					t.Fatalf("Decompress failed: %v", err)
				}
				if !bytes.Equal(decompressed, data) {
					t.Errorf("round trip mismatch: got %d bytes, want %d", len(decompressed), len(data))
				}
			})
		}
	}
}

func TestCompressionShrinksRepetitiveData(t *testing.T) {
	data := bytes.Repeat([]byte("hello world "), 100)
	for _, ct := range allTypes[1:] {
		out, err := Compress(ct, data)
		if err != nil {
			t.Fatalf("%s: %v", ct, err)
		}
		if len(out) >= len(data) {
			t.Errorf("%s did not shrink repetitive data: %d >= %d", ct, len(out), len(data))
		}
	}
}

func TestTypeStringAndParse(t *testing.T) {
	for _, ct := range allTypes {
		got, err := ParseType(ct.String())
		if err != nil {
			t.Fatalf("ParseType(%q): %v", ct.String(), err)
		}
		if got != ct {
			t.Errorf("ParseType(%q) = %v, want %v", ct.String(), got, ct)
		}
	}
	if got, _ := ParseType(" ZSTD "); got != ZstdCompression {
		t.Errorf("ParseType is not case-insensitive: %v", got)
	}
	if _, err := ParseType("bzip2"); err == nil {
		t.Error("ParseType(bzip2) should fail")
	}
	if s := Type(3).String(); s != "unknown(3)" {
		t.Errorf("Type(3).String() = %q", s)
	}
}

func TestUnsupportedType(t *testing.T) {
	if Type(3).IsSupported() {
		t.Error("Type(3) should be unsupported")
	}
	if _, err := Compress(Type(3), []byte("x")); err == nil {
		t.Error("Compress with unsupported type should fail")
	}
	if _, err := Decompress(Type(6), []byte("x")); err == nil {
		t.Error("Decompress with unsupported type should fail")
	}
}

func TestDecompressCorruptInput(t *testing.T) {
	garbage := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02}
	for _, ct := range []Type{SnappyCompression, ZlibCompression, ZstdCompression} {
		if _, err := Decompress(ct, garbage); err == nil {
			t.Errorf("%s: expected error on corrupt input", ct)
		}
	}
}

func TestEncodeThreshold(t *testing.T) {
	small := []byte("tiny")
	out, ct, err := Encode(SnappyCompression, 64, small)
	if err != nil {
		t.Fatal(err)
	}
	if ct != NoCompression || !bytes.Equal(out, small) {
		t.Errorf("payload below threshold was encoded with %s", ct)
	}

	big := bytes.Repeat([]byte("abcd"), 64)
	out, ct, err = Encode(SnappyCompression, 64, big)
	if err != nil {
		t.Fatal(err)
	}
	if ct != SnappyCompression {
		t.Fatalf("payload above threshold kept as %s", ct)
	}
	back, err := Decompress(ct, out)
	if err != nil || !bytes.Equal(back, big) {
		t.Errorf("Encode output does not decode: %v", err)
	}

	if _, ct, _ := Encode(ZstdCompression, 0, big); ct != NoCompression {
		t.Error("minSize 0 should disable compression")
	}
}

func TestEncodeKeepsIncompressible(t *testing.T) {
	data := make([]byte, 128)
	for i := range data {
		data[i] = byte(i*131 + 7)
	}
	out, ct, err := Encode(SnappyCompression, 16, data)
	if err != nil {
		t.Fatal(err)
	}
	if ct == NoCompression && !bytes.Equal(out, data) {
		t.Error("kept payload differs from input")
	}
}

func BenchmarkSnappyCompress(b *testing.B) {
	data := bytes.Repeat([]byte("benchmark data "), 1000)
	for b.Loop() {
		_, _ = Compress(SnappyCompression, data)
	}
}
