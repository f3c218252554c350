package playback

import (
	"math"
	"sync"
	"time"
)

// TimeSignal is the subscribable, display-quality playback time. It consumes
// raw ClockTick samples, corrects the drift between what it last showed and
// what the clock says, and republishes the smoothed value to any number of
// listeners. Raw samples arrive at whatever cadence the clock is configured
// for, possibly tens of milliseconds apart; showing them directly would make
// a playhead stutter, so small drifts are blended in gradually and only large
// discontinuities snap.
//
// Listeners are notified once per frame while running, and immediately, at
// most once per change, while paused. The frame loop runs only when there is
// at least one listener and the clock is running.
type TimeSignal struct {
	broker      *Broker
	framePeriod time.Duration

	mu        sync.Mutex
	displayed float64
	running   bool
	threshold float64 // seconds of drift still considered small
	minGen    int
	listeners map[int]func(float64)
	nextID    int
}

const (
	// DefaultFramePeriod is the notification cadence while running, roughly
	// one display refresh.
	DefaultFramePeriod = 16 * time.Millisecond
	// DefaultDriftThreshold is the default small-drift threshold.
	DefaultDriftThreshold = 20 * time.Millisecond

	blendSmall  = 0.12 // fraction of the drift corrected per tick when the drift is small
	blendMedium = 0.35 // when the drift is at most mediumBand thresholds
	mediumBand  = 4
	resetBand   = 8
	resetFloor  = 0.200 // seconds; drifts beyond max(resetFloor, resetBand*T) are definite seeks
)

func NewTimeSignal(broker *Broker, framePeriod time.Duration) *TimeSignal {
	if framePeriod <= 0 {
		framePeriod = DefaultFramePeriod
	}
	return &TimeSignal{
		broker:      broker,
		framePeriod: framePeriod,
		threshold:   DefaultDriftThreshold.Seconds(),
		listeners:   make(map[int]func(float64)),
	}
}

// Run consumes clock samples and drives the frame notifications. It returns
// when CloseSignal is signaled and closes FinishedSignal on the way out.
func (s *TimeSignal) Run() {
	defer close(s.broker.FinishedSignal)
	frames := time.NewTicker(s.framePeriod)
	frames.Stop()
	var frameC <-chan time.Time
	for {
		select {
		case msg := <-s.broker.ToSignal:
			if msg.HasTick {
				if s.processTick(msg.Tick) {
					s.notify()
				}
			}
		case <-frameC:
			s.notify()
		case <-s.broker.CloseSignal:
			frames.Stop()
			return
		}
		if active := s.frameLoopActive(); active && frameC == nil {
			frames.Reset(s.framePeriod)
			frameC = frames.C
		} else if !active && frameC != nil {
			frames.Stop()
			frameC = nil
		}
	}
}

// processTick applies one raw sample to the displayed value. The return value
// tells the caller to notify listeners right away, which happens only while
// not running; while running the frame loop does the notifying.
func (s *TimeSignal) processTick(t ClockTick) bool {
	hardReset := false
	s.mu.Lock()
	if t.Gen < s.minGen {
		// sampled before the clock processed the last reposition, still
		// queued when Reset ran; applying it would drag the display back
		s.mu.Unlock()
		return false
	}
	wasRunning := s.running
	prev := s.displayed
	s.running = t.Running
	if !t.Running {
		// paused or stopped: show the source value exactly, no extrapolation
		s.displayed = t.Time
	} else {
		pred := t.Time + time.Since(t.Wall).Seconds()
		drift := pred - s.displayed
		abs := math.Abs(drift)
		switch {
		case abs <= s.threshold:
			s.displayed += drift * blendSmall
		case abs <= mediumBand*s.threshold:
			s.displayed += drift * blendMedium
		default:
			// too large to smooth either way: snap. Past the reset band the
			// discontinuity is a definite seek, which also invalidates the
			// jitter window.
			s.displayed = pred
			hardReset = abs > math.Max(resetFloor, resetBand*s.threshold)
		}
	}
	changed := s.displayed != prev || s.running != wasRunning
	s.mu.Unlock()
	if hardReset {
		TrySend(s.broker.ToMonitor, MsgToMonitor{Reset: true})
	}
	return !t.Running && changed
}

func (s *TimeSignal) notify() {
	s.mu.Lock()
	t := s.displayed
	fns := make([]func(float64), 0, len(s.listeners))
	for _, f := range s.listeners {
		fns = append(fns, f)
	}
	s.mu.Unlock()
	for _, f := range fns {
		f(t)
	}
}

func (s *TimeSignal) frameLoopActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && len(s.listeners) > 0
}

// Subscribe registers a listener for smoothed time updates and returns the
// function that unsubscribes it. Safe to call from any goroutine.
func (s *TimeSignal) Subscribe(listener func(time float64)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	s.mu.Unlock()
	TrySend(s.broker.ToSignal, MsgToSignal{Refresh: true})
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
		TrySend(s.broker.ToSignal, MsgToSignal{Refresh: true})
	}
}

// CurrentTime returns the smoothed playback time, in project seconds.
func (s *TimeSignal) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayed
}

// Reset forces the displayed value, bypassing smoothing. Transport operations
// use it so that the position reads back consistently before the repositioned
// clock's next sample arrives; gen names the tick generation of the
// reposition, and samples from older generations are discarded instead of
// dragging the display back to the old position. Listeners hear about the new
// value immediately when paused, on the next frame otherwise.
func (s *TimeSignal) Reset(t float64, gen int) {
	s.mu.Lock()
	s.displayed = t
	s.minGen = gen
	running := s.running
	s.mu.Unlock()
	if !running {
		s.notify()
	}
}

// Running reports whether the last clock sample was taken while running.
func (s *TimeSignal) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetDriftThreshold changes the small-drift threshold; the other correction
// bands scale with it.
func (s *TimeSignal) SetDriftThreshold(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.threshold = d.Seconds()
	s.mu.Unlock()
}
