// Package synth is a small polyphonic software synthesizer implementing the
// audio backend contract: notes are scheduled at absolute backend times,
// rendered sample-accurately into the stereo stream an output pulls from it.
// The backend clock is the number of samples rendered so far, so scheduling
// stays exact regardless of how irregularly the output asks for data.
package synth

import (
	"math"
	"sort"
	"sync"

	"github.com/JaceDashS/tactus"
	"github.com/JaceDashS/tactus/playback"
)

type (
	Synth struct {
		rate  int
		ready <-chan struct{}

		mu      sync.Mutex
		samples int64 // rendered so far; samples/rate is the backend clock
		pending []*voice
		active  []*voice
		sorted  bool
	}

	voice struct {
		start int64
		end   int64
		form  waveform
		phase float64
		step  float64
		gainL float64
		gainR float64

		level      float64
		attack     float64
		releaseMul float64
		released   bool
	}

	waveform int
)

const (
	sine waveform = iota
	square
	saw
	triangle
)

const (
	attackSeconds  = 0.002
	releaseSeconds = 0.05
	clickSeconds   = 0.03
	silenceLevel   = 1e-4
)

// New creates a synth rendering at the given sample rate. ready, when not
// nil, gates scheduling readiness; the oto output passes its context's ready
// channel here so the engine waits until the device is up.
func New(rate int, ready <-chan struct{}) *Synth {
	if ready == nil {
		closed := make(chan struct{})
		close(closed)
		ready = closed
	}
	return &Synth{rate: rate, ready: ready}
}

func (s *Synth) Ready() <-chan struct{} { return s.ready }

// CurrentTime returns the backend clock in seconds.
func (s *Synth) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.samples) / float64(s.rate)
}

// ScheduleNote queues one note at its backend-absolute start time. Notes
// whose start has already passed begin immediately rather than being dropped.
func (s *Synth) ScheduleNote(n tactus.ScheduledNote) {
	v := s.newVoice(n)
	s.mu.Lock()
	if v.start < s.samples {
		v.start = s.samples
	}
	if v.end < v.start {
		v.end = v.start
	}
	s.pending = append(s.pending, v)
	s.sorted = false
	s.mu.Unlock()
}

// StopAll drops everything scheduled but not yet audible and releases the
// sounding voices, leaving only their short fade-out.
func (s *Synth) StopAll() {
	s.mu.Lock()
	s.pending = s.pending[:0]
	for _, v := range s.active {
		v.released = true
	}
	s.mu.Unlock()
}

// Process renders interleaved stereo into dst, advancing the backend clock by
// len(dst)/2 frames.
func (s *Synth) Process(dst []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sorted {
		sort.SliceStable(s.pending, func(i, j int) bool { return s.pending[i].start < s.pending[j].start })
		s.sorted = true
	}
	frames := len(dst) / 2
	for i := 0; i < frames; i++ {
		now := s.samples + int64(i)
		for len(s.pending) > 0 && s.pending[0].start <= now {
			s.active = append(s.active, s.pending[0])
			s.pending = s.pending[1:]
		}
		var left, right float64
		alive := s.active[:0]
		for _, v := range s.active {
			sample := v.render(now)
			if v.level < silenceLevel && (v.released || now > v.end) {
				continue
			}
			left += sample * v.gainL
			right += sample * v.gainR
			alive = append(alive, v)
		}
		s.active = alive
		dst[2*i] = clamp(left)
		dst[2*i+1] = clamp(right)
	}
	s.samples += int64(frames)
}

func (s *Synth) newVoice(n tactus.ScheduledNote) *voice {
	start := int64(math.Round((n.StartTime + n.AudioOffset) * float64(s.rate)))
	duration := n.Duration
	form := sine
	switch n.Instrument {
	case "square":
		form = square
	case "saw":
		form = saw
	case "triangle":
		form = triangle
	case playback.MetronomeInstrument, "click":
		if duration > clickSeconds {
			duration = clickSeconds
		}
	}
	velocity := float64(n.Velocity) / 127
	if velocity < 0 {
		velocity = 0
	}
	volume := n.TrackVolume
	if volume < 0 {
		volume = 0
	}
	pan := n.TrackPan
	if pan < -1 {
		pan = -1
	}
	if pan > 1 {
		pan = 1
	}
	angle := (pan + 1) * math.Pi / 4
	amp := velocity * volume
	return &voice{
		start:      start,
		end:        start + int64(duration*float64(s.rate)),
		form:       form,
		step:       pitchFrequency(n.Pitch) / float64(s.rate),
		gainL:      amp * math.Cos(angle),
		gainR:      amp * math.Sin(angle),
		attack:     1 / (attackSeconds * float64(s.rate)),
		releaseMul: math.Exp(-1 / (releaseSeconds * float64(s.rate))),
	}
}

func (v *voice) render(now int64) float64 {
	if v.released || now > v.end {
		v.level *= v.releaseMul
	} else if v.level < 1 {
		v.level += v.attack
		if v.level > 1 {
			v.level = 1
		}
	}
	var sample float64
	switch v.form {
	case square:
		if v.phase < 0.5 {
			sample = 1
		} else {
			sample = -1
		}
	case saw:
		sample = 2*v.phase - 1
	case triangle:
		sample = 4*math.Abs(v.phase-0.5) - 1
	default:
		sample = math.Sin(2 * math.Pi * v.phase)
	}
	v.phase += v.step
	if v.phase >= 1 {
		v.phase -= math.Floor(v.phase)
	}
	return sample * v.level
}

// pitchFrequency converts a MIDI note number to Hz, A4 = 69 = 440 Hz.
func pitchFrequency(pitch int) float64 {
	return 440 * math.Exp2(float64(pitch-69)/12)
}

func clamp(v float64) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return float32(v)
}

// Render bounces a project offline into an interleaved stereo buffer at the
// given rate, one second of tail included. The same voices the live path
// uses, without an output device.
func Render(p tactus.Project, sampleRate int, metronome bool) []float32 {
	s := New(sampleRate, nil)
	events := playback.Materialize(p, metronome)
	end := 0.0
	for _, ev := range events {
		volume, pan, instrument := 1.0, 0.0, ""
		if ev.Track >= 0 && ev.Track < len(p.Tracks) {
			tr := p.Tracks[ev.Track]
			volume, pan, instrument = tr.Volume, tr.Pan, tr.Instrument
		} else if ev.Track == playback.MetronomeTrack {
			instrument = playback.MetronomeInstrument
		}
		s.ScheduleNote(tactus.ScheduledNote{
			Pitch:       ev.Pitch,
			Velocity:    ev.Velocity,
			StartTime:   ev.Start,
			Duration:    ev.Duration,
			TrackID:     ev.Track,
			TrackVolume: volume,
			TrackPan:    pan,
			Instrument:  instrument,
		})
		if over := ev.Start + ev.Duration; over > end {
			end = over
		}
	}
	buffer := make([]float32, 2*int((end+1)*float64(sampleRate)))
	s.Process(buffer)
	return buffer
}
