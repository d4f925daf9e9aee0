package bitmap

import (
	"math/rand"
	"testing"
)

func TestSetClearWeight(t *testing.T) {
	bm := New(300)
	bm.SetRange(10, 20)
	if got := bm.Weight(); got != 11 {
		t.Fatalf("Weight = %d, want 11", got)
	}
	if !bm.Test(10) || !bm.Test(20) || bm.Test(9) || bm.Test(21) {
		t.Error("range boundaries wrong")
	}
	bm.SetRange(60, 70) // crosses the first word boundary
	bm.ClearRange(15, 65)
	if got := bm.Weight(); got != 10 {
		t.Fatalf("Weight after clear = %d, want 10", got)
	}
	if bm.Test(64) || !bm.Test(66) {
		t.Error("clear across word boundary wrong")
	}
	bm.SetAll()
	if got := bm.Weight(); got != 300 {
		t.Fatalf("Weight after SetAll = %d, want 300", got)
	}
	// Tail bits past Bits() must stay clear so Weight is exact.
	bm.ClearAll()
	bm.SetRange(290, 1000)
	if got := bm.Weight(); got != 10 {
		t.Fatalf("Weight with clamped range = %d, want 10", got)
	}
}

func TestFindNextSet(t *testing.T) {
	bm := New(200)
	bm.SetRange(3, 3)
	bm.SetRange(130, 131)
	if bit, ok := bm.FindNextSet(0); !ok || bit != 3 {
		t.Errorf("FindNextSet(0) = %d,%v", bit, ok)
	}
	if bit, ok := bm.FindNextSet(4); !ok || bit != 130 {
		t.Errorf("FindNextSet(4) = %d,%v", bit, ok)
	}
	if bit, ok := bm.FindNextSet(131); !ok || bit != 131 {
		t.Errorf("FindNextSet(131) = %d,%v", bit, ok)
	}
	if _, ok := bm.FindNextSet(132); ok {
		t.Error("FindNextSet past last set bit should fail")
	}
}

func TestPlainWordsRoundTrip(t *testing.T) {
	src := New(500)
	src.SetRange(0, 2)
	src.SetRange(63, 65)
	src.SetRange(400, 499)

	dst := New(500)
	// Transfer in 16-word chunks like the plain bitmap packets do.
	for off := uint64(0); off < src.Words(); off += 16 {
		n := uint64(16)
		if off+n > src.Words() {
			n = src.Words() - off
		}
		chunk := src.MarshalWords(off, n)
		if err := dst.MergeWords(off, chunk); err != nil {
			t.Fatalf("MergeWords: %v", err)
		}
	}
	if src.Weight() != dst.Weight() {
		t.Fatalf("weight mismatch: %d vs %d", src.Weight(), dst.Weight())
	}
	for bit := uint64(0); bit < 500; bit++ {
		if src.Test(bit) != dst.Test(bit) {
			t.Fatalf("bit %d differs", bit)
		}
	}

	if err := dst.MergeWords(0, make([]byte, 12)); err == nil {
		t.Error("unaligned chunk accepted")
	}
	if err := dst.MergeWords(dst.Words(), make([]byte, 8)); err == nil {
		t.Error("chunk beyond end accepted")
	}
}

func TestVLIRoundTrip(t *testing.T) {
	values := []uint64{1, 2, 3, 4, 5, 6, 20, 100, 5000, 1 << 20, 1 << 40, 1<<63 + 17}
	for _, v := range values {
		code, n, err := vliEncode(v)
		if err != nil {
			t.Fatalf("encode %d: %v", v, err)
		}
		got, bits := vliDecode(code)
		if got != v || bits != n {
			t.Errorf("round trip %d: got %d in %d bits, encoded %d bits", v, got, bits, n)
		}
	}
	if _, _, err := vliEncode(0); err == nil {
		t.Error("zero run length accepted")
	}
}

func TestRLERoundTrip(t *testing.T) {
	src := New(4096)
	src.SetRange(0, 0)
	src.SetRange(5, 9)
	src.SetRange(100, 3000)
	src.SetRange(4095, 4095)

	dst := New(4096)
	var enc, dec TransferCtx
	for !enc.Done(src) {
		payload, err := src.EncodeRLE(&enc, 64)
		if err != nil {
			t.Fatalf("EncodeRLE at bit %d: %v", enc.BitOffset, err)
		}
		done, err := dst.DecodeRLE(&dec, payload)
		if err != nil {
			t.Fatalf("DecodeRLE at bit %d: %v", dec.BitOffset, err)
		}
		if done != enc.Done(src) {
			t.Fatalf("done mismatch: decoder %v at bit %d, encoder at %d", done, dec.BitOffset, enc.BitOffset)
		}
	}
	if src.Weight() != dst.Weight() {
		t.Fatalf("weight mismatch: %d vs %d", src.Weight(), dst.Weight())
	}
	for bit := uint64(0); bit < src.Bits(); bit++ {
		if src.Test(bit) != dst.Test(bit) {
			t.Fatalf("bit %d differs", bit)
		}
	}
}

func TestRLERandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		bits := uint64(100 + rng.Intn(8000))
		src := New(bits)
		for i := 0; i < 30; i++ {
			from := uint64(rng.Intn(int(bits)))
			to := from + uint64(rng.Intn(200))
			src.SetRange(from, to)
		}
		dst := New(bits)
		var enc, dec TransferCtx
		for !enc.Done(src) {
			payload, err := src.EncodeRLE(&enc, 32+rng.Intn(200))
			if err != nil {
				t.Fatalf("trial %d: encode: %v", trial, err)
			}
			if _, err := dst.DecodeRLE(&dec, payload); err != nil {
				t.Fatalf("trial %d: decode: %v", trial, err)
			}
		}
		for bit := uint64(0); bit < bits; bit++ {
			if src.Test(bit) != dst.Test(bit) {
				t.Fatalf("trial %d: bit %d differs", trial, bit)
			}
		}
	}
}

func TestRLEDecodeErrors(t *testing.T) {
	bm := New(64)
	var c TransferCtx
	if _, err := bm.DecodeRLE(&c, []byte{byte(MakeRLEHeader(EncodingRLEVLIBits, 0, true))}); err == nil {
		t.Error("single-byte payload accepted")
	}
	if _, err := bm.DecodeRLE(&c, []byte{byte(MakeRLEHeader(7, 0, true)), 0}); err == nil {
		t.Error("unknown encoding code accepted")
	}

	// A set run longer than the bitmap must be rejected.
	big := New(1 << 16)
	big.SetAll()
	var enc TransferCtx
	payload, err := big.EncodeRLE(&enc, 4096)
	if err != nil {
		t.Fatalf("EncodeRLE: %v", err)
	}
	var dec TransferCtx
	if _, err := bm.DecodeRLE(&dec, payload); err == nil {
		t.Error("overflowing run accepted")
	}
}

func TestRLEHeaderBits(t *testing.T) {
	h := MakeRLEHeader(EncodingRLEVLIBits, 5, true)
	if h.Code() != EncodingRLEVLIBits || h.PadBits() != 5 || !h.StartSet() {
		t.Fatalf("header fields = %d,%d,%v", h.Code(), h.PadBits(), h.StartSet())
	}
	h = MakeRLEHeader(EncodingRLEVLIBits, 0, false)
	if h.StartSet() || h.PadBits() != 0 {
		t.Fatalf("header fields = %d,%v", h.PadBits(), h.StartSet())
	}
}
