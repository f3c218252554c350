// Package cmd holds the pieces shared by the command line binaries, in
// particular the build-tagged MIDI backend constructors.
package cmd

import (
	"github.com/JaceDashS/tactus"
)

// MIDIBackend is what the binaries need from a MIDI output: the engine
// backend contract plus teardown. NewMIDIBackend returns one, or an error
// when the build or the machine has no usable MIDI output.
type MIDIBackend interface {
	tactus.Backend
	Close() error
}
