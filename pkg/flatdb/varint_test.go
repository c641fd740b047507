package flatdb

import "testing"

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, 16383, 16384, 1 << 32, 1<<64 - 1}
	for _, v := range values {
		enc := encodeVarint(nil, v)
		if len(enc) != varintLen(v) {
			t.Errorf("varintLen(%d) = %d, encoded length = %d", v, varintLen(v), len(enc))
		}
		got, n, ok := decodeVarint(enc)
		if !ok {
			t.Errorf("decodeVarint(%x) failed to decode", enc)
			continue
		}
		if n != len(enc) {
			t.Errorf("decodeVarint consumed %d bytes, want %d", n, len(enc))
		}
		if got != v {
			t.Errorf("decodeVarint round-trip = %d, want %d", got, v)
		}
	}
}

func TestVarintSmallValuesSingleByte(t *testing.T) {
	for v := uint64(0); v < 128; v++ {
		if n := varintLen(v); n != 1 {
			t.Fatalf("varintLen(%d) = %d, want 1", v, n)
		}
	}
}

func TestDecodeVarintTruncated(t *testing.T) {
	enc := encodeVarint(nil, 1<<20)
	_, _, ok := decodeVarint(enc[:len(enc)-1])
	if ok {
		t.Fatal("decodeVarint succeeded on truncated input")
	}
}

func TestEncodeVarintAppends(t *testing.T) {
	dst := []byte{0xAA}
	out := encodeVarint(dst, 5)
	if out[0] != 0xAA {
		t.Fatalf("encodeVarint clobbered existing prefix: %x", out)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
}
