package regio

import "testing"

func TestSetClearGet(t *testing.T) {
	b := NewSim()

	Set(b, 0x100, 3)

	if v := Get(b, 0x100, 3, 1); v != 1 {
		t.Fatalf("expected bit 3 set, got %d", v)
	}

	Clear(b, 0x100, 3)

	if v := Get(b, 0x100, 3, 1); v != 0 {
		t.Fatalf("expected bit 3 clear, got %d", v)
	}
}

func TestSetNClearN(t *testing.T) {
	b := NewSim()

	SetN(b, 0x200, 4, 0xf, 0xa)

	if v := Get(b, 0x200, 4, 0xf); v != 0xa {
		t.Fatalf("expected field 0xa, got %#x", v)
	}

	ClearN(b, 0x200, 4, 0xf)

	if v := Get(b, 0x200, 4, 0xf); v != 0 {
		t.Fatalf("expected field cleared, got %#x", v)
	}
}

func TestWaitFor(t *testing.T) {
	b := NewSim()
	ticks := 0

	b.Poke(0x300, 0)

	go func() {
		b.Poke(0x300, 1)
	}()

	WaitFor(b, 0x300, 0, 1, 1, func() {
		ticks++
		if ticks > 1_000_000 {
			t.Fatal("WaitFor did not observe the expected value")
		}
	})
}

func TestOr(t *testing.T) {
	b := NewSim()

	b.Poke(0x400, 0x01)
	Or(b, 0x400, 0x10)

	if v := b.Peek(0x400); v != 0x11 {
		t.Fatalf("expected 0x11, got %#x", v)
	}
}
