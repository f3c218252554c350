//go:build cgo

package cmd

import (
	"github.com/JaceDashS/tactus/midi"
)

func NewMIDIBackend(prefix string) (MIDIBackend, error) {
	return midi.Open(prefix)
}
