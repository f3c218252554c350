// Package midi plays scheduled notes on a hardware or virtual MIDI output
// port. There is no device-side sequencing: notes are armed with wall-clock
// timers against the same clock that CurrentTime reports, so whatever sits on
// the other end of the port only ever sees plain note on/off traffic.
package midi

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/JaceDashS/tactus"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// metronome clicks go to the General MIDI percussion channel, where pitches
// 76 and 77 are the wood blocks
const metronomeChannel = 9

// Output sends notes to a MIDI out port, converting playback times to
// wall-clock timers. It implements tactus.Backend.
type Output struct {
	driver *rtmididrv.Driver
	out    drivers.Out
	send   func(midi.Message) error
	ready  chan struct{}
	start  time.Time

	mu       sync.Mutex
	epoch    int
	nextID   int
	timers   map[int]*time.Timer
	channels [16]bool
	closed   bool
}

// Open connects to the first MIDI output whose name starts with prefix. An
// empty prefix takes the first port available.
func Open(prefix string) (*Output, error) {
	driver, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("cannot create MIDI driver: %w", err)
	}
	outs, err := driver.Outs()
	if err != nil {
		driver.Close()
		return nil, fmt.Errorf("cannot list MIDI outputs: %w", err)
	}
	var out drivers.Out
	for _, o := range outs {
		if prefix == "" || strings.HasPrefix(o.String(), prefix) {
			out = o
			break
		}
	}
	if out == nil {
		driver.Close()
		if prefix == "" {
			return nil, fmt.Errorf("no MIDI outputs available")
		}
		return nil, fmt.Errorf("no MIDI output starting with %q", prefix)
	}
	send, err := midi.SendTo(out)
	if err != nil {
		driver.Close()
		return nil, fmt.Errorf("cannot open MIDI output %v: %w", out, err)
	}
	ready := make(chan struct{})
	close(ready)
	return &Output{
		driver: driver,
		out:    out,
		send:   send,
		ready:  ready,
		start:  time.Now(),
		timers: map[int]*time.Timer{},
	}, nil
}

// CurrentTime returns seconds since the output was opened; scheduled notes
// are timed against this clock.
func (o *Output) CurrentTime() float64 {
	return time.Since(o.start).Seconds()
}

func (o *Output) Ready() <-chan struct{} {
	return o.ready
}

// ScheduleNote arms a note on/off pair for the note's backend time. Notes
// whose start already passed sound immediately.
func (o *Output) ScheduleNote(note tactus.ScheduledNote) {
	channel := uint8(note.TrackID % 16)
	if note.TrackID < 0 {
		channel = metronomeChannel
	}
	key := uint8(math.Min(127, math.Max(0, float64(note.Pitch))))
	velocity := uint8(math.Round(math.Min(127, math.Max(1, float64(note.Velocity)*note.TrackVolume))))
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.channels[channel] = true
	delay := time.Duration((note.StartTime + note.AudioOffset - o.CurrentTime()) * float64(time.Second))
	if delay < 0 {
		delay = 0
	}
	o.arm(delay, midi.NoteOn(channel, key, velocity))
	o.arm(delay+time.Duration(note.Duration*float64(time.Second)), midi.NoteOff(channel, key))
}

// arm is called with o.mu held. The epoch guard makes callbacks already in
// flight during StopAll into no-ops.
func (o *Output) arm(delay time.Duration, msg midi.Message) {
	id := o.nextID
	o.nextID++
	epoch := o.epoch
	o.timers[id] = time.AfterFunc(delay, func() {
		o.mu.Lock()
		if o.closed || o.epoch != epoch {
			o.mu.Unlock()
			return
		}
		delete(o.timers, id)
		send := o.send
		o.mu.Unlock()
		send(msg)
	})
}

// StopAll cancels every pending timer and silences the channels the output
// has played on. Note offs cancelled mid-note are covered by the all notes
// off controller.
func (o *Output) StopAll() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.epoch++
	for id, timer := range o.timers {
		timer.Stop()
		delete(o.timers, id)
	}
	send := o.send
	used := o.channels
	o.channels = [16]bool{}
	o.mu.Unlock()
	for ch := range used {
		if used[ch] {
			send(midi.ControlChange(uint8(ch), 123, 0)) // CC 123: all notes off
		}
	}
}

// Close silences the output and releases the port and the driver.
func (o *Output) Close() error {
	o.StopAll()
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()
	if err := o.out.Close(); err != nil {
		o.driver.Close()
		return fmt.Errorf("cannot close MIDI output: %w", err)
	}
	if err := o.driver.Close(); err != nil {
		return fmt.Errorf("cannot close MIDI driver: %w", err)
	}
	return nil
}
