package led

import "testing"

func TestSolidTracksPalette(t *testing.T) {
	s := NewSolid(DefaultPalette)

	s.Tick(ModeError)

	if got, want := s.Color(), DefaultPalette[ModeError]; got != want {
		t.Fatalf("Color() = %v, want %v", got, want)
	}
}

func TestStaticIsNoop(t *testing.T) {
	var s Static
	s.Tick(ModeBusy) // must not panic
}
