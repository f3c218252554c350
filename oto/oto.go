// Package oto plays a SampleSource through the system audio device. The
// device pulls: oto's own goroutine asks for bytes, the source renders floats
// and they are converted to the 16-bit interleaved stereo the device wants.
package oto

import (
	"fmt"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/JaceDashS/tactus"
)

type (
	Output struct {
		ctx    *oto.Context
		player *oto.Player
		ready  chan struct{}
		period time.Duration
	}

	sourceReader struct {
		source tactus.SampleSource
		fbuf   []float32
	}
)

const (
	DefaultSampleRate  = 44100
	defaultBufferMilli = 50
)

// NewOutput opens the audio device and starts pulling from the source.
// Playback readiness is asynchronous; Ready tells when the device is actually
// up, which on some platforms takes a while.
func NewOutput(source tactus.SampleSource, sampleRate, bufferMillis int) (*Output, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if bufferMillis <= 0 {
		bufferMillis = defaultBufferMilli
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 2,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create oto context: %w", err)
	}
	player := ctx.NewPlayer(&sourceReader{source: source})
	player.SetBufferSize(sampleRate * bufferMillis / 1000 * 4)
	player.Play()
	return &Output{
		ctx:    ctx,
		player: player,
		ready:  ready,
		period: time.Duration(bufferMillis) * time.Millisecond,
	}, nil
}

// Ready is closed once the device accepts audio.
func (o *Output) Ready() <-chan struct{} { return o.ready }

// BufferPeriod is how much audio the device buffers ahead. The engine matches
// its clock cadence to it so the scheduler gets fresh data exactly when the
// device does.
func (o *Output) BufferPeriod() time.Duration { return o.period }

func (o *Output) Close() error {
	if err := o.player.Close(); err != nil {
		return fmt.Errorf("cannot close oto player: %w", err)
	}
	return nil
}

func (r *sourceReader) Read(p []byte) (int, error) {
	frames := len(p) / 4
	if frames == 0 {
		return 0, nil
	}
	need := frames * 2
	if cap(r.fbuf) < need {
		r.fbuf = make([]float32, need)
	}
	buffer := r.fbuf[:need]
	r.source.Process(buffer)
	// append into p's backing array; the converted length is exactly frames*4
	FloatBufferTo16BitLE(buffer, p[:0])
	return frames * 4, nil
}
