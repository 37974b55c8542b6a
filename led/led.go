// Package led provides the minimal visual-feedback contract that the
// flash and boot-service busy-wait loops call into, so indicator
// animation keeps running during long erases without those loops
// knowing anything about LED hardware or palettes.
//
// The animation math itself (palette selection, fade timing) is
// outside this repository's scope; Static and the reference Animator
// exist so the core packages have something concrete to exercise and
// wire up in cmd/bootloader.
package led

// Mode is the visual state driven by the DFU/boot state machine.
type Mode int

const (
	ModeIdle Mode = iota
	ModeBusy
	ModeError
	ModeSleep
)

// Animator receives a Tick call from every busy-wait loop body.
type Animator interface {
	Tick(mode Mode)
}

// Static is a no-op Animator, used when no visual feedback hardware is
// configured.
type Static struct{}

func (Static) Tick(Mode) {}

// Palette maps a Mode to an RGB color shown while that mode is active.
type Palette map[Mode][3]uint8

// DefaultPalette mirrors the reference firmware's mode colors: blue
// while idle, amber while busy, red on error, dim white during sleep.
var DefaultPalette = Palette{
	ModeIdle:  {0x00, 0x40, 0xff},
	ModeBusy:  {0xff, 0xa0, 0x00},
	ModeError: {0xff, 0x00, 0x00},
	ModeSleep: {0x20, 0x20, 0x20},
}

// Solid is a reference Animator that reports the current palette color
// for a mode without any fade/rainbow animation.
type Solid struct {
	Palette Palette
	current [3]uint8
}

func NewSolid(p Palette) *Solid {
	return &Solid{Palette: p}
}

func (s *Solid) Tick(mode Mode) {
	if c, ok := s.Palette[mode]; ok {
		s.current = c
	}
}

// Color returns the color shown as of the last Tick.
func (s *Solid) Color() [3]uint8 {
	return s.current
}
