package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JaceDashS/tactus"
)

type (
	// Engine ties the playback services together: the clock goroutine, the
	// smoothed time signal, the lookahead scheduler, the jitter monitor and
	// the transport synchronizer, all communicating through one broker. Its
	// methods are the transport entry points shared by the local user and,
	// through the synchronizer, by remote peers. No method blocks on another
	// goroutine; commands to the clock are fire and forget.
	Engine struct {
		broker    *Broker
		backend   tactus.Backend
		clock     *Clock
		signal    *TimeSignal
		scheduler *Scheduler
		monitor   *Monitor
		transport *Synchronizer

		mu      sync.Mutex
		project tactus.Project
		playing bool
		gen     int
	}

	// EngineOptions configure the cadences of the engine goroutines. Zero
	// values mean the package defaults; tests shrink them to keep wall time
	// down.
	EngineOptions struct {
		TickInterval    time.Duration
		FramePeriod     time.Duration
		SchedulerPeriod time.Duration
	}
)

// NewEngine builds an engine on the given broker and audio backend and starts
// its goroutines. The caller owns the teardown through Close.
func NewEngine(broker *Broker, backend tactus.Backend, opt EngineOptions) (*Engine, error) {
	if broker == nil {
		return nil, errors.New("engine needs a broker")
	}
	if backend == nil {
		return nil, errors.New("engine needs an audio backend")
	}
	tick := opt.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	e := &Engine{broker: broker, backend: backend}
	clock, err := NewClock(broker, tick)
	if err != nil {
		return nil, fmt.Errorf("creating clock: %w", err)
	}
	e.clock = clock
	e.signal = NewTimeSignal(broker, opt.FramePeriod)
	e.scheduler = NewScheduler(broker, backend, e.signal, opt.SchedulerPeriod)
	e.monitor = NewMonitor(broker)
	e.transport = NewSynchronizer(broker, e)
	go e.signal.Run()
	go e.scheduler.Run()
	go e.monitor.Run()
	go e.transport.Run()
	return e, nil
}

// Play resumes playback from the current position.
func (e *Engine) Play() { e.PlayFrom(e.signal.CurrentTime()) }

// command sends one message to the clock goroutine. The send never blocks; a
// clock that stopped draining its channel freezes the position and the drop
// is surfaced as an alert.
func (e *Engine) command(msg any) {
	if !TrySend(e.broker.ToClock, msg) {
		sendAlert(e.broker, "ClockStalled", "the playback clock is not accepting commands", Error)
	}
}

// PlayFrom starts playback at the given position with the current project.
func (e *Engine) PlayFrom(t float64) {
	e.mu.Lock()
	e.playing = true
	e.gen++
	gen := e.gen
	snapshot := e.project.Copy()
	e.mu.Unlock()
	e.signal.Reset(t, gen)
	e.scheduler.Start(t, snapshot)
	e.command(StartMsg{Time: t, Gen: gen})
	e.transport.LocalPlay(t)
}

// Pause halts playback, preserving the position.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.playing = false
	e.mu.Unlock()
	e.command(PauseMsg{})
	e.scheduler.Pause()
	e.transport.LocalPause(e.signal.CurrentTime())
}

// Stop halts playback and resets the position to 0.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.playing = false
	e.gen++
	gen := e.gen
	e.mu.Unlock()
	e.command(StopMsg{Gen: gen})
	e.scheduler.Stop()
	e.signal.Reset(0, gen)
	e.transport.LocalStop()
}

// Seek repositions playback without changing the running state.
func (e *Engine) Seek(t float64) {
	e.mu.Lock()
	e.gen++
	gen := e.gen
	snapshot := e.project.Copy()
	e.mu.Unlock()
	e.command(SeekMsg{Time: t, Gen: gen})
	e.signal.Reset(t, gen)
	e.scheduler.ResetSchedule(t, snapshot)
	e.transport.LocalSeek(t)
}

// SetProject installs a new project snapshot. While playing this is a
// structural mutation like any other: the schedule rebuilds from the current
// position.
func (e *Engine) SetProject(p tactus.Project) {
	e.mu.Lock()
	e.project = p.Copy()
	playing := e.playing
	snapshot := e.project.Copy()
	e.mu.Unlock()
	if playing {
		e.scheduler.ResetSchedule(e.signal.CurrentTime(), snapshot)
	}
}

// Project returns a copy of the current project snapshot.
func (e *Engine) Project() tactus.Project {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.project.Copy()
}

// CurrentTime returns the smoothed playback time, in project seconds.
func (e *Engine) CurrentTime() float64 { return e.signal.CurrentTime() }

// Playing reports whether the engine is playing.
func (e *Engine) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

// Subscribe registers a listener for smoothed time updates and returns the
// function that unsubscribes it.
func (e *Engine) Subscribe(listener func(time float64)) (unsubscribe func()) {
	return e.signal.Subscribe(listener)
}

// SetTickInterval changes the raw clock cadence, typically to match the audio
// backend's buffer period.
func (e *Engine) SetTickInterval(d time.Duration) {
	e.command(IntervalMsg{Interval: d})
}

// SetLookahead sets the scheduling horizon in seconds, clamped to
// [0, MaxLookahead].
func (e *Engine) SetLookahead(seconds float64) { e.scheduler.SetLookahead(seconds) }

// SetLoop sets the loop region.
func (e *Engine) SetLoop(l Loop) { e.scheduler.SetLoop(l) }

// SetMetronome toggles generated metronome clicks.
func (e *Engine) SetMetronome(on bool) { e.scheduler.SetMetronome(on) }

// SetDriftThreshold tunes the time signal's drift correction.
func (e *Engine) SetDriftThreshold(d time.Duration) { e.signal.SetDriftThreshold(d) }

// ScheduleState returns a snapshot of the scheduler's playback state.
func (e *Engine) ScheduleState() State { return e.scheduler.State() }

// PendingEvents returns the events not yet handed to the audio backend.
func (e *Engine) PendingEvents() []NoteEvent { return e.scheduler.Pending() }

// HandleTransport applies a transport message received from a peer.
func (e *Engine) HandleTransport(msg TransportMessage) { e.transport.HandleMessage(msg) }

// SetTransportOutput connects the engine to a session layer; nil disconnects.
func (e *Engine) SetTransportOutput(out func(TransportMessage)) { e.transport.SetOutput(out) }

// SetRole sets whether this peer hosts the session or joined as a guest.
func (e *Engine) SetRole(role Role) { e.transport.SetRole(role) }

// SetPeerID sets the identity stamped on outgoing transport messages.
func (e *Engine) SetPeerID(id string) { e.transport.SetPeerID(id) }

// Events exposes the diagnostics published by the engine goroutines. The
// application is expected to drain this channel.
func (e *Engine) Events() <-chan MsgToEngine { return e.broker.ToEngine }

// Close asks every engine goroutine to close and waits for each, with a
// timeout so that a stuck goroutine cannot hang the teardown, then silences
// the backend. The engine must not be used afterwards.
func (e *Engine) Close() {
	b := e.broker
	TrySend(b.CloseSync, struct{}{})
	TrySend(b.CloseScheduler, struct{}{})
	TrySend(b.CloseClock, struct{}{})
	TrySend(b.CloseSignal, struct{}{})
	TrySend(b.CloseMonitor, struct{}{})
	for _, finished := range []chan struct{}{
		b.FinishedSync, b.FinishedScheduler, b.FinishedClock, b.FinishedSignal, b.FinishedMonitor,
	} {
		TimeoutReceive(finished, 3*time.Second)
	}
	e.backend.StopAll()
}
