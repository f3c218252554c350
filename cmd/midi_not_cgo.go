//go:build !cgo

package cmd

import (
	"errors"
)

func NewMIDIBackend(prefix string) (MIDIBackend, error) {
	// with no cgo, there is no driver to enumerate MIDI ports with
	return nil, errors.New("MIDI output is not available in a build without cgo")
}
