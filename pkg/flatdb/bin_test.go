package flatdb

import "testing"

func TestBinExtend(t *testing.T) {
	var b Bin
	b.extend(10, 5)
	b.extend(20, 7)
	b.extend(15, 3) // out of order key, smaller than current last

	if b.FirstKey != 10 {
		t.Fatalf("FirstKey = %d, want 10", b.FirstKey)
	}
	if b.LastKey() != 20 {
		t.Fatalf("LastKey = %d, want 20", b.LastKey())
	}
	if b.RecordCount != 3 {
		t.Fatalf("RecordCount = %d, want 3", b.RecordCount)
	}
	if b.ByteCount != 15 {
		t.Fatalf("ByteCount = %d, want 15", b.ByteCount)
	}
}

func TestBinCovers(t *testing.T) {
	b := Bin{FirstKey: 100, MaxKeyOffset: 50}
	cases := []struct {
		key   uint64
		want  bool
	}{
		{99, false},
		{100, true},
		{150, true},
		{151, false},
	}
	for _, c := range cases {
		if got := b.covers(c.key); got != c.want {
			t.Errorf("covers(%d) = %v, want %v", c.key, got, c.want)
		}
	}
}

func TestBinMerge(t *testing.T) {
	a := Bin{FirstKey: 0, MaxKeyOffset: 10, RecordCount: 2, ByteCount: 20}
	b := Bin{FirstKey: 11, MaxKeyOffset: 4, RecordCount: 3, ByteCount: 30}

	m := a.merge(b)
	if m.FirstKey != 0 {
		t.Fatalf("FirstKey = %d, want 0", m.FirstKey)
	}
	if m.LastKey() != 15 {
		t.Fatalf("LastKey = %d, want 15", m.LastKey())
	}
	if m.RecordCount != 5 {
		t.Fatalf("RecordCount = %d, want 5", m.RecordCount)
	}
	if m.ByteCount != 50 {
		t.Fatalf("ByteCount = %d, want 50", m.ByteCount)
	}
}

func TestBinBytesPerKeyEmpty(t *testing.T) {
	var b Bin
	if got := b.BytesPerKey(); got != 0 {
		t.Fatalf("BytesPerKey on empty bin = %f, want 0", got)
	}
}
