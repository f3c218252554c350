package playback

import (
	"time"
)

type (
	// Broker is the centralized message hub for the playback engine. It is
	// used to communicate between the clock goroutine, the time signal, the
	// jitter monitor and the application. The broker is many-to-one
	// communication, implemented with one channel for each recipient, and
	// every send through it is non-blocking: a full channel drops the message
	// rather than stalling the sender.
	//
	// For closing goroutines, the broker has two channels for each goroutine:
	// CloseXXX and FinishedXXX. The CloseXXX channel has a capacity of 1, so
	// you can always send an empty message (struct{}{}) to it without
	// blocking. If the channel is already full, someone else has already
	// requested the closure and the goroutine is already closing, so dropping
	// the message is fine. FinishedXXX is used to signal that a goroutine has
	// successfully closed and cleaned up: nothing is ever sent to it, it is
	// only closed. Waiting for "<-FinishedXXX" can be combined with a timeout
	// to avoid deadlocks:
	//    select {
	//      case <-FinishedXXX:
	//      case <-time.After(3 * time.Second):
	//    }
	Broker struct {
		ToClock   chan any // clock commands: StartMsg, PauseMsg, StopMsg, SeekMsg, IntervalMsg
		ToSignal  chan MsgToSignal
		ToMonitor chan MsgToMonitor
		ToEngine  chan MsgToEngine

		CloseClock     chan struct{}
		CloseSignal    chan struct{}
		CloseMonitor   chan struct{}
		CloseScheduler chan struct{}
		CloseSync      chan struct{}

		FinishedClock     chan struct{}
		FinishedSignal    chan struct{}
		FinishedMonitor   chan struct{}
		FinishedScheduler chan struct{}
		FinishedSync      chan struct{}
	}

	// ClockTick is one raw sample from the clock: the playback position in
	// project seconds, the wall clock at the moment of sampling, and whether
	// the clock was running when the sample was taken. Gen is the tick
	// generation, bumped by repositioning commands, letting consumers discard
	// samples that were already queued when the position changed.
	ClockTick struct {
		Time    float64
		Wall    time.Time
		Running bool
		Gen     int
	}

	// MsgToSignal is a message to the time signal goroutine. Ticks are the
	// frequent payload and are not boxed to avoid allocations; Refresh asks
	// the signal to reevaluate whether its frame loop should be running
	// (subscriber count or run state changed).
	MsgToSignal struct {
		HasTick bool
		Tick    ClockTick
		Refresh bool
	}

	// MsgToMonitor carries one tick arrival interval, in seconds, for jitter
	// bookkeeping. Reset clears the window, typically on start and seek.
	MsgToMonitor struct {
		Reset       bool
		HasInterval bool
		Interval    float64
	}

	// MsgToEngine is a message to whoever drives the engine, usually the
	// application binary: diagnostics from the engine goroutines. Infrequent
	// payloads go boxed in Data.
	MsgToEngine struct {
		HasAlert bool
		Alert    Alert

		HasJitter bool
		Jitter    JitterReport

		Data any
	}
)

func NewBroker() *Broker {
	return &Broker{
		ToClock:           make(chan any, 1024),
		ToSignal:          make(chan MsgToSignal, 1024),
		ToMonitor:         make(chan MsgToMonitor, 1024),
		ToEngine:          make(chan MsgToEngine, 1024),
		CloseClock:        make(chan struct{}, 1),
		CloseSignal:       make(chan struct{}, 1),
		CloseMonitor:      make(chan struct{}, 1),
		CloseScheduler:    make(chan struct{}, 1),
		CloseSync:         make(chan struct{}, 1),
		FinishedClock:     make(chan struct{}),
		FinishedSignal:    make(chan struct{}),
		FinishedMonitor:   make(chan struct{}),
		FinishedScheduler: make(chan struct{}),
		FinishedSync:      make(chan struct{}),
	}
}

// TrySend is a helper function to send a value to a channel if it is not full.
// It is guaranteed to be non-blocking. Returns true if the value was sent,
// false otherwise.
func TrySend[T any](c chan<- T, v T) bool {
	select {
	case c <- v:
	default:
		return false
	}
	return true
}

// TimeoutReceive is a helper function to block until a value is received from
// a channel, or timing out after t. ok will be false if the timeout occurred
// or if the channel is closed.
func TimeoutReceive[T any](c <-chan T, t time.Duration) (v T, ok bool) {
	select {
	case v, ok = <-c:
		return v, ok
	case <-time.After(t):
		return v, false
	}
}
