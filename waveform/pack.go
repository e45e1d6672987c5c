package waveform

import (
	"errors"
	"fmt"

	"github.com/oplab/simsync/util"
)

// ErrTooManyLines is generated when a waveform carries more lines than fit
// in a port word
var ErrTooManyLines = errors.New("waveform has more lines than the port word width")

// Pack folds a frame's boolean matrix into one port word per sample.  Bit i
// of word s equals Lines[i][s], so line0 maps to bit0 and so on up the port.
// The packed buffer is what a port-grouped digital output task consumes, and
// it is reused unchanged across every retrigger of the same frame.
func Pack(f Frame) ([]uint16, error) {
	if len(f.Lines) > PortWidth {
		return nil, fmt.Errorf("%w: %d lines against a %d bit word", ErrTooManyLines, len(f.Lines), PortWidth)
	}
	words := make([]uint16, f.Samples())
	for i, line := range f.Lines {
		for s, hi := range line {
			if hi {
				words[s] = util.SetBit(words[s], uint(i), true)
			}
		}
	}
	return words, nil
}

// EnableOnly returns a packed buffer of the given length with only the
// modulator enable line high.  Played untriggered before an image so the
// modulator has its response time before the first trigger edge.
func EnableOnly(lm LineMap, samples int) []uint16 {
	words := make([]uint16, samples)
	w := util.SetBit(0, uint(lm.SLMEnable), true)
	for s := range words {
		words[s] = w
	}
	return words
}

// AllLow returns a packed all-zero buffer of the given length.  Played
// untriggered after an image to force every line low; the retriggered frame
// otherwise leaves several lines high at stop.
func AllLow(samples int) []uint16 {
	return make([]uint16, samples)
}
