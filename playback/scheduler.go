package playback

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JaceDashS/tactus"
)

type (
	// NoteEvent is one note of the project materialized to absolute project
	// seconds, ready for lookahead scheduling. Lists of NoteEvents are sorted
	// ascending by Start and owned by the scheduler for the lifetime of one
	// epoch: they are rebuilt, never mutated in place.
	NoteEvent struct {
		Start    float64
		Duration float64
		Pitch    int
		Velocity int
		Track    int
	}

	// TimeSource provides the current smoothed playback time; normally a
	// *TimeSignal, but anything with the same clock works.
	TimeSource interface {
		CurrentTime() float64
	}

	// Loop is a region of the project, in seconds, that playback repeats:
	// crossing End seeks back to Start. The zero value means no looping.
	Loop struct {
		Start   float64
		End     float64
		Enabled bool
	}

	// Scheduler converts the project into an absolute-time event list and
	// feeds an audio backend a lookahead window ahead of the smoothed time.
	// It is a two-state machine, idle or playing; its periodic timer runs
	// only while playing. Any seek or structural mutation stops everything
	// scheduled but not yet audible and rebuilds from the current position,
	// so a live edit may cause a small audible gap but never leaves stale
	// events playing.
	Scheduler struct {
		broker  *Broker
		backend tactus.Backend
		time    TimeSource
		period  time.Duration

		mu             sync.Mutex
		playing        bool
		project        tactus.Project
		events         []NoteEvent
		nextIndex      int
		scheduledUntil float64
		epoch          int
		lookahead      float64
		metronome      bool
		loop           Loop

		interrupt chan struct{}
	}

	// State is a snapshot of the scheduler's playback state, mostly useful
	// for inspection and tests.
	State struct {
		Playing        bool
		ScheduledUntil float64
		NextIndex      int
		Epoch          int
	}
)

const (
	// DefaultLookahead is how far ahead of the smoothed time events are
	// scheduled. Larger values tolerate more timer jitter but respond slower
	// to live parameter changes; the operator can set anything in
	// [0, MaxLookahead].
	DefaultLookahead = 0.5
	MaxLookahead     = 5.0

	// DefaultSchedulerPeriod is the cadence of the scheduling timer.
	DefaultSchedulerPeriod = 100 * time.Millisecond

	slowTickWarning = 8 * time.Millisecond
	scanWarnLimit   = 1000
)

// MetronomeTrack is the TrackID carried by generated metronome clicks, which
// belong to no project track.
const MetronomeTrack = -1

// MetronomeInstrument is the instrument name carried by metronome clicks.
const MetronomeInstrument = "metronome"

func (l Loop) active() bool { return l.Enabled && l.End > l.Start }

func NewScheduler(broker *Broker, backend tactus.Backend, timeSource TimeSource, period time.Duration) *Scheduler {
	if period <= 0 {
		period = DefaultSchedulerPeriod
	}
	return &Scheduler{
		broker:    broker,
		backend:   backend,
		time:      timeSource,
		period:    period,
		lookahead: DefaultLookahead,
		interrupt: make(chan struct{}, 1),
	}
}

// Run drives the periodic scheduling ticks. The timer is armed only while
// playing; control operations wake the loop through the interrupt channel so
// that state changes take effect without waiting out a period. Returns when
// CloseScheduler is signaled and closes FinishedScheduler on the way out.
func (s *Scheduler) Run() {
	defer close(s.broker.FinishedScheduler)
	ticker := time.NewTicker(s.period)
	ticker.Stop()
	var tickC <-chan time.Time
	for {
		select {
		case <-tickC:
			s.Tick()
		case <-s.interrupt:
			s.Tick()
		case <-s.broker.CloseScheduler:
			ticker.Stop()
			return
		}
		if playing := s.Playing(); playing && tickC == nil {
			ticker.Reset(s.period)
			tickC = ticker.C
		} else if !playing && tickC != nil {
			ticker.Stop()
			tickC = nil
		}
	}
}

// Start enters the playing state at the given position with the given project
// snapshot, scheduling the first lookahead window as soon as the backend is
// ready.
func (s *Scheduler) Start(t float64, p tactus.Project) {
	s.mu.Lock()
	s.project = p
	s.backend.StopAll()
	s.rebuildLocked(t)
	s.playing = true
	epoch := s.epoch
	ready := s.backendReady()
	s.mu.Unlock()
	if !ready {
		go s.tickWhenReady(epoch)
	}
	s.wake()
}

// ResetSchedule repositions the schedule to t with a fresh project snapshot.
// It serves both seeks and structural mutations (tempo, mute/solo, volume,
// pan, effects): everything scheduled but not yet audible is stopped and the
// event list is rebuilt, because either the absolute times or the emitted
// set of events may have changed. Rebuilding is deterministic: resetting
// twice with the same snapshot and time yields the same state.
func (s *Scheduler) ResetSchedule(t float64, p tactus.Project) {
	s.mu.Lock()
	s.project = p
	s.backend.StopAll()
	s.rebuildLocked(t)
	epoch := s.epoch
	ready := s.backendReady()
	playing := s.playing
	s.mu.Unlock()
	if playing && !ready {
		go s.tickWhenReady(epoch)
	}
	s.wake()
}

// Pause leaves the playing state, canceling the timer and halting everything
// scheduled but not yet audible. The position is preserved.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.playing = false
	s.backend.StopAll()
	s.mu.Unlock()
	s.wake()
}

// Stop is Pause plus a reset of the schedule position to 0.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.playing = false
	s.backend.StopAll()
	s.rebuildLocked(0)
	s.mu.Unlock()
	s.wake()
}

// Tick advances the scheduling window once: if the smoothed time plus the
// lookahead has passed scheduledUntil, every event in between is handed to
// the backend and scheduledUntil moves up. Normally driven by Run's timer;
// exposed so that the scheduler can also be pumped manually.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing || !s.backendReady() {
		return
	}
	began := time.Now()
	now := s.time.CurrentTime()
	if s.loop.active() && now >= s.loop.End {
		// wrap: an internal seek back to the loop start
		if !TrySend(s.broker.ToClock, any(SeekMsg{Time: s.loop.Start})) {
			sendAlert(s.broker, "ClockStalled", "the playback clock is not accepting commands", Error)
		}
		s.backend.StopAll()
		s.rebuildLocked(s.loop.Start)
		now = s.loop.Start
	}
	window := now + s.lookahead
	if window <= s.scheduledUntil {
		return // scheduledUntil never moves backwards while playing
	}
	offset := s.backend.CurrentTime() - now
	scanned := 0
	for s.nextIndex < len(s.events) && s.events[s.nextIndex].Start < window {
		s.backend.ScheduleNote(s.scheduledNote(s.events[s.nextIndex], now, offset))
		s.nextIndex++
		scanned++
	}
	s.scheduledUntil = window
	if elapsed := time.Since(began); elapsed > slowTickWarning || scanned > scanWarnLimit {
		sendAlert(s.broker, "SchedulerLoad",
			fmt.Sprintf("scheduling window took %v for %d events", elapsed, scanned), Info)
	}
}

// SetLookahead sets the lookahead horizon in seconds, clamped to
// [0, MaxLookahead].
func (s *Scheduler) SetLookahead(seconds float64) {
	if seconds < 0 {
		seconds = 0
	}
	if seconds > MaxLookahead {
		seconds = MaxLookahead
	}
	s.mu.Lock()
	s.lookahead = seconds
	s.mu.Unlock()
}

// SetLoop sets the loop region. Takes effect on the next tick; enabling a
// loop whose end is already behind the playback position wraps immediately.
func (s *Scheduler) SetLoop(l Loop) {
	s.mu.Lock()
	s.loop = l
	s.mu.Unlock()
	s.wake()
}

// SetMetronome toggles generated metronome clicks. While playing this is a
// structural mutation like any other: the event list is rebuilt from the
// current position.
func (s *Scheduler) SetMetronome(on bool) {
	s.mu.Lock()
	if s.metronome == on {
		s.mu.Unlock()
		return
	}
	s.metronome = on
	if s.playing {
		s.backend.StopAll()
		s.rebuildLocked(s.time.CurrentTime())
	}
	s.mu.Unlock()
	s.wake()
}

// Playing reports whether the scheduler is in the playing state.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// State returns a snapshot of the playback state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Playing:        s.playing,
		ScheduledUntil: s.scheduledUntil,
		NextIndex:      s.nextIndex,
		Epoch:          s.epoch,
	}
}

// Pending returns a copy of the events not yet handed to the backend.
func (s *Scheduler) Pending() []NoteEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := make([]NoteEvent, len(s.events)-s.nextIndex)
	copy(pending, s.events[s.nextIndex:])
	return pending
}

// rebuildLocked starts a new scheduling epoch at position t: the event list
// is rematerialized from the snapshot, the resume point found by binary
// search, and any continuation captured under an older epoch is invalidated.
func (s *Scheduler) rebuildLocked(t float64) {
	s.epoch++
	s.events = Materialize(s.project, s.metronome)
	s.nextIndex = sort.Search(len(s.events), func(i int) bool { return s.events[i].Start >= t })
	s.scheduledUntil = t
}

// tickWhenReady waits for the backend and then pumps the scheduler, unless a
// stop or seek superseded this continuation while it was suspended.
func (s *Scheduler) tickWhenReady(epoch int) {
	<-s.backend.Ready()
	s.mu.Lock()
	stale := s.epoch != epoch || !s.playing
	s.mu.Unlock()
	if stale {
		return
	}
	s.wake()
}

func (s *Scheduler) wake() {
	select {
	case s.interrupt <- struct{}{}:
	default:
	}
}

func (s *Scheduler) backendReady() bool {
	select {
	case <-s.backend.Ready():
		return true
	default:
		return false
	}
}

func (s *Scheduler) scheduledNote(ev NoteEvent, now, offset float64) tactus.ScheduledNote {
	n := tactus.ScheduledNote{
		Pitch:        ev.Pitch,
		Velocity:     ev.Velocity,
		StartTime:    ev.Start,
		Duration:     ev.Duration,
		PlaybackTime: now,
		AudioOffset:  offset,
		TrackID:      ev.Track,
		TrackVolume:  1,
		TrackPan:     0,
		Instrument:   MetronomeInstrument,
	}
	if ev.Track >= 0 && ev.Track < len(s.project.Tracks) {
		t := s.project.Tracks[ev.Track]
		n.TrackVolume = t.Volume
		n.TrackPan = t.Pan
		n.Instrument = t.Instrument
	}
	return n
}

// Materialize converts a project snapshot into the flat event list the
// scheduler works on: every note of every audible track at its absolute time
// in seconds, integrating the tempo map, plus generated metronome clicks when
// asked for. Tracks are audible unless muted, and when any track is soloed,
// only soloed tracks play. The result is sorted by start time, with ties
// broken by track and pitch so that rebuilding is deterministic.
func Materialize(p tactus.Project, metronome bool) []NoteEvent {
	sig := p.TimeSignature()
	solo := false
	for _, t := range p.Tracks {
		if t.Solo {
			solo = true
			break
		}
	}
	var evs []NoteEvent
	for ti, tr := range p.Tracks {
		if tr.Muted || (solo && !tr.Solo) {
			continue
		}
		for _, part := range tr.Parts {
			for _, n := range part.Notes {
				start, dur := tactus.TicksToSeconds(part.Tick+n.Tick, n.Length, p.Tempo, sig, p.PPQN)
				evs = append(evs, NoteEvent{
					Start:    start,
					Duration: dur,
					Pitch:    n.Pitch,
					Velocity: n.Velocity,
					Track:    ti,
				})
			}
		}
	}
	if metronome {
		evs = append(evs, clickEvents(p, sig)...)
	}
	sort.SliceStable(evs, func(i, j int) bool {
		if evs[i].Start != evs[j].Start {
			return evs[i].Start < evs[j].Start
		}
		if evs[i].Track != evs[j].Track {
			return evs[i].Track < evs[j].Track
		}
		return evs[i].Pitch < evs[j].Pitch
	})
	return evs
}

// clickEvents generates one short click per beat up to the end of the last
// note, walking measure by measure so that time signature changes land on
// their measure boundaries. Downbeats click higher and harder.
func clickEvents(p tactus.Project, sig tactus.TimeSignatureEvent) []NoteEvent {
	const clickLen = 0.06
	end := p.EndTick()
	var evs []NoteEvent
	tick := 0
	for tick < end {
		cur := p.TimeSignatures.At(tick)
		ticksPerBeat := p.PPQN * 4 / cur.Denominator
		if ticksPerBeat <= 0 {
			break
		}
		for beat := 0; beat < cur.Numerator && tick < end; beat++ {
			pitch, velocity := 77, 88
			if beat == 0 {
				pitch, velocity = 76, 112
			}
			start, _ := tactus.TicksToSeconds(tick, 0, p.Tempo, sig, p.PPQN)
			evs = append(evs, NoteEvent{
				Start:    start,
				Duration: clickLen,
				Pitch:    pitch,
				Velocity: velocity,
				Track:    MetronomeTrack,
			})
			tick += ticksPerBeat
		}
	}
	return evs
}
