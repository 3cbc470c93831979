package bitfield

import "testing"

func TestNewSizeRounding(t *testing.T) {
	cases := []struct {
		nBits     int
		wantBytes int
	}{
		{0, 0},
		{1, 1},
		{7, 1},
		{8, 1},
		{9, 2},
		{16, 2},
		{17, 3},
	}

	for _, tc := range cases {
		bf := New(tc.nBits)
		if got := len(bf); got != tc.wantBytes {
			t.Fatalf(
				"New(%d) bytes = %d; want %d",
				tc.nBits,
				got,
				tc.wantBytes,
			)
		}
	}
}

func TestSetHasClearAndBounds(t *testing.T) {
	bf := New(10) // 2 bytes

	if bf.Has(-1) || bf.Has(100) {
		t.Fatalf("Has out-of-range should be false")
	}

	// Set bits at 0,7,8,9
	idxs := []int{0, 7, 8, 9}
	for _, i := range idxs {
		bf.Set(i)
	}
	for _, i := range idxs {
		if !bf.Has(i) {
			t.Fatalf("bit %d should be set", i)
		}
	}

	// Clear one and verify
	bf.Clear(7)
	if bf.Has(7) {
		t.Fatalf("bit 7 should be cleared")
	}

	// Out-of-range operations must not panic or affect valid bits
	bf.Set(100)
	bf.Clear(-42)
	for _, i := range []int{0, 8, 9} {
		if !bf.Has(i) {
			t.Fatalf("bit %d unexpectedly cleared by OOB ops", i)
		}
	}
}

func TestFromBytesAndToBytesIndependence(t *testing.T) {
	src := []byte{0xFF, 0x00}
	bf := FromBytes(src)

	// mutate src; bf should be unchanged
	src[0] = 0x00
	if !bf.Equals(Bitfield{0xFF, 0x00}) {
		t.Fatalf("FromBytes must copy input")
	}

	out := bf.Bytes()
	out[1] = 0xAA
	if bf[1] != 0x00 {
		t.Fatalf("Bytes must return a copy, not alias")
	}
}

func TestStringRepresentation(t *testing.T) {
	bf := FromBytes([]byte{0xA5, 0x01}) // 1010 0101 0000 0001
	got := bf.String()
	want := "1010010100000001"
	if got != want {
		t.Fatalf("String() = %q; want %q", got, want)
	}
}

func TestCountAndEquals(t *testing.T) {
	bf := New(10)
	bf.Set(0)
	bf.Set(2)
	bf.Set(3)
	bf.Set(8)

	if got := bf.Count(); got != 4 {
		t.Fatalf("Count() = %d; want %d", got, 4)
	}

	same := FromBytes(bf.Bytes())
	if !bf.Equals(same) {
		t.Fatalf("Equals should report identical contents")
	}

	diff := FromBytes(bf.Bytes())
	diff.Set(9)
	if bf.Equals(diff) {
		t.Fatalf("Equals should detect difference")
	}
}

func TestCountUpToAndAllUpTo(t *testing.T) {
	bf := New(20) // total_chunks not byte-aligned
	for _, i := range []int{0, 1, 2, 3, 4} {
		bf.Set(i)
	}

	if got := bf.CountUpTo(5); got != 5 {
		t.Fatalf("CountUpTo(5) = %d; want 5", got)
	}
	if got := bf.CountUpTo(20); got != 5 {
		t.Fatalf("CountUpTo(20) = %d; want 5", got)
	}
	if !bf.AllUpTo(5) {
		t.Fatalf("AllUpTo(5) should be true when [0,5) all set")
	}
	if bf.AllUpTo(6) {
		t.Fatalf("AllUpTo(6) should be false: bit 5 not set")
	}
	if bf.AllUpTo(20) {
		t.Fatalf("AllUpTo(20) should be false: only 5 of 20 bits set")
	}
}

func TestMissingOrderingAndCap(t *testing.T) {
	bf := New(13) // deliberately not byte-aligned
	bf.Set(0)
	bf.Set(2)
	bf.Set(4)

	all := bf.Missing(13, 0)
	want := []int{1, 3, 5, 6, 7, 8, 9, 10, 11, 12}
	if len(all) != len(want) {
		t.Fatalf("Missing(13, 0) = %v; want %v", all, want)
	}
	for i, v := range want {
		if all[i] != v {
			t.Fatalf("Missing(13, 0) = %v; want %v", all, want)
		}
	}

	capped := bf.Missing(13, 3)
	if len(capped) != 3 {
		t.Fatalf("Missing(13, 3) returned %d entries; want 3", len(capped))
	}
	if capped[0] != 1 || capped[1] != 3 || capped[2] != 5 {
		t.Fatalf("Missing(13, 3) = %v; want first three missing in ascending order", capped)
	}
}

func TestMissingNoneWhenAllSet(t *testing.T) {
	bf := New(8)
	for i := 0; i < 8; i++ {
		bf.Set(i)
	}

	if got := bf.Missing(8, 0); len(got) != 0 {
		t.Fatalf("Missing on a full bitfield = %v; want empty", got)
	}
	if !bf.AllUpTo(8) {
		t.Fatalf("AllUpTo(8) should be true when all bits set")
	}
}
