package playback

import (
	"errors"
	"fmt"
	"time"
)

type (
	// StartMsg begins ticking from the given position, in project seconds.
	// Gen, when nonzero, starts a new tick generation; the other
	// repositioning messages carry it the same way.
	StartMsg struct {
		Time float64
		Gen  int
	}
	// PauseMsg stops ticking; the last emitted position stays authoritative.
	PauseMsg struct{}
	// StopMsg stops ticking and snaps the position, normally to 0.
	StopMsg struct {
		Time float64
		Gen  int
	}
	// SeekMsg repositions without changing the running state.
	SeekMsg struct {
		Time float64
		Gen  int
	}
	// IntervalMsg changes the tick emission cadence from now on. The engine
	// uses it to match the audio backend's buffer period.
	IntervalMsg struct{ Interval time.Duration }

	// Clock is the single source of truth for how much wall time has elapsed
	// since playback started, already expressed in project seconds; it knows
	// nothing about tempo. It runs in its own goroutine, commanded through the
	// broker's ToClock channel with the messages above, all fire and forget,
	// and emits ClockTick samples on ToSignal on a fixed interval while
	// running, plus once on every state change so that consumers never wait a
	// full interval to observe a pause, stop or seek.
	Clock struct {
		broker *Broker
	}
)

// DefaultTickInterval is the default emission cadence of the clock.
const DefaultTickInterval = 25 * time.Millisecond

// NewClock validates its inputs and starts the clock goroutine. Construction
// is the only place a clock can fail; after that, a clock that stops
// responding (its command channel fills up) is reported through an alert by
// the senders, never by panicking, and the playback position simply freezes
// until the next successful command.
func NewClock(broker *Broker, interval time.Duration) (*Clock, error) {
	if broker == nil {
		return nil, errors.New("clock needs a broker")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("tick interval %v is not positive", interval)
	}
	c := &Clock{broker: broker}
	go c.run(interval)
	return c, nil
}

func (c *Clock) run(interval time.Duration) {
	defer close(c.broker.FinishedClock)
	var (
		running  bool
		pos      float64
		gen      int
		lastWall time.Time
	)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	advance := func() {
		now := time.Now()
		if running {
			pos += now.Sub(lastWall).Seconds()
		}
		lastWall = now
	}
	emit := func() {
		TrySend(c.broker.ToSignal, MsgToSignal{HasTick: true, Tick: ClockTick{
			Time:    pos,
			Wall:    time.Now(),
			Running: running,
			Gen:     gen,
		}})
	}
	for {
		select {
		case msg := <-c.broker.ToClock:
			switch m := msg.(type) {
			case StartMsg:
				pos = m.Time
				if m.Gen != 0 {
					gen = m.Gen
				}
				lastWall = time.Now()
				running = true
				TrySend(c.broker.ToMonitor, MsgToMonitor{Reset: true})
				emit()
			case PauseMsg:
				advance()
				running = false
				emit()
			case StopMsg:
				running = false
				pos = m.Time
				if m.Gen != 0 {
					gen = m.Gen
				}
				emit()
			case SeekMsg:
				pos = m.Time
				if m.Gen != 0 {
					gen = m.Gen
				}
				lastWall = time.Now()
				TrySend(c.broker.ToMonitor, MsgToMonitor{Reset: true})
				emit()
			case IntervalMsg:
				if m.Interval > 0 {
					ticker.Reset(m.Interval)
				}
			default:
				// ignore unknown messages
			}
		case <-ticker.C:
			if running {
				prev := lastWall
				advance()
				emit()
				TrySend(c.broker.ToMonitor, MsgToMonitor{
					HasInterval: true,
					Interval:    lastWall.Sub(prev).Seconds(),
				})
			}
		case <-c.broker.CloseClock:
			return
		}
	}
}
