package bitfield

import "testing"

func TestSetTestClear(t *testing.T) {
	bf := New(20)
	if bf.Len() != 20 {
		t.Fatalf("len = %d, want 20", bf.Len())
	}
	for i := uint32(0); i < 20; i++ {
		if bf.Test(i) {
			t.Fatalf("bit %d set before Set", i)
		}
	}
	bf.Set(5)
	bf.Set(19)
	if !bf.Test(5) || !bf.Test(19) {
		t.Fatal("expected bits 5 and 19 set")
	}
	if bf.Count() != 2 {
		t.Fatalf("count = %d, want 2", bf.Count())
	}
	bf.Clear(5)
	if bf.Test(5) {
		t.Fatal("bit 5 still set after Clear")
	}
	if bf.Count() != 1 {
		t.Fatalf("count = %d, want 1", bf.Count())
	}
}

func TestAll(t *testing.T) {
	bf := New(9)
	if bf.All() {
		t.Fatal("empty bitfield reports All")
	}
	for i := uint32(0); i < 9; i++ {
		bf.Set(i)
	}
	if !bf.All() {
		t.Fatal("fully set bitfield does not report All")
	}
}

func TestNewBytesRoundTrip(t *testing.T) {
	bf := New(17)
	bf.Set(0)
	bf.Set(16)
	bf2, err := NewBytes(bf.Bytes(), 17)
	if err != nil {
		t.Fatal(err)
	}
	if !bf2.Test(0) || !bf2.Test(16) || bf2.Test(1) {
		t.Fatal("round trip mismatch")
	}
}

func TestNewBytesInvalidLength(t *testing.T) {
	_, err := NewBytes([]byte{0x00}, 17)
	if err != ErrInvalidLength {
		t.Fatalf("err = %v, want ErrInvalidLength", err)
	}
}

func TestOutOfRange(t *testing.T) {
	bf := New(4)
	if bf.Test(100) {
		t.Fatal("out of range bit reads true")
	}
	bf.Set(100) // must not panic
	bf.Clear(100)
}
