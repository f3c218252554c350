package playback

import (
	"math"
	"sync"
	"time"
)

type (
	// TransportAction is the verb of a transport message.
	TransportAction string

	// TransportData is the payload of a transport message. Time is a project
	// position in seconds; for pause it is the position the sender paused at.
	TransportData struct {
		Action TransportAction `json:"action"`
		Time   float64         `json:"time"`
	}

	// TransportMessage is the wire envelope exchanged between peers. It is
	// ephemeral and never persisted. Timestamp is the sender's wall clock in
	// epoch milliseconds, used by receivers to estimate transit latency.
	TransportMessage struct {
		Type      string        `json:"type"`
		From      string        `json:"from"`
		Timestamp int64         `json:"timestamp"`
		Data      TransportData `json:"data"`
	}

	// TransportTarget is the local transport the synchronizer drives when a
	// remote message arrives. These are the same entry points local user
	// actions go through, so remote and local control cannot diverge.
	TransportTarget interface {
		PlayFrom(time float64)
		Pause()
		Stop()
		Seek(time float64)
		CurrentTime() float64
		Playing() bool
	}

	// Role distinguishes the one host of a session from its guests. Guests
	// send their actions to the host only; the host applies an action locally
	// and relays it to every other guest. The session layer is responsible
	// for not delivering a relayed message back to its original sender.
	Role int

	// Synchronizer keeps transport state consistent across networked peers.
	// Incoming messages are applied through the TransportTarget under a
	// suppression flag, so that the side effects of applying a remote action
	// are not re-sent as if the local user had acted; the flag is cleared on
	// the next poll tick. Outgoing seeks are debounced and checked against
	// the last applied remote seek, because the local position is a smoothed
	// continuous signal and would otherwise echo back and forth between
	// peers indefinitely.
	Synchronizer struct {
		broker *Broker
		target TransportTarget

		mu               sync.Mutex
		role             Role
		peer             string
		out              func(TransportMessage)
		suppress         bool
		pausePending     bool
		pauseTarget      float64
		lastRemoteSeek   float64
		lastRemoteSeekAt time.Time
		lastSentSeek     float64
		lastSentSeekAt   time.Time

		interrupt chan struct{}
	}
)

const (
	ActionPlay  TransportAction = "play"
	ActionPause TransportAction = "pause"
	ActionStop  TransportAction = "stop"
	ActionSeek  TransportAction = "seek"

	// TransportMessageType is the Type field of every transport envelope.
	TransportMessageType = "transport"
)

const (
	RoleGuest Role = iota
	RoleHost
)

const (
	// pausePollInterval paces the synchronizer's tick: pending remote pauses
	// fire when the local position reaches their target, and the suppression
	// flag set by an applied remote message is cleared one tick later.
	pausePollInterval = 30 * time.Millisecond

	// transportDebounce bounds how recent "recently" is, both for repeated
	// identical outgoing seeks and for treating an applied remote seek as
	// just-applied.
	transportDebounce = 150 * time.Millisecond

	seekEchoTolerance   = 0.020
	seekRepeatTolerance = 0.001
)

func NewSynchronizer(broker *Broker, target TransportTarget) *Synchronizer {
	return &Synchronizer{
		broker:    broker,
		target:    target,
		interrupt: make(chan struct{}, 1),
	}
}

// Run owns the poll timer, armed only while a suppression flag or a pending
// pause needs it. Returns when CloseSync is signaled and closes FinishedSync
// on the way out.
func (s *Synchronizer) Run() {
	defer close(s.broker.FinishedSync)
	ticker := time.NewTicker(pausePollInterval)
	ticker.Stop()
	var tickC <-chan time.Time
	for {
		select {
		case <-tickC:
			s.tick()
		case <-s.interrupt:
		case <-s.broker.CloseSync:
			ticker.Stop()
			return
		}
		if busy := s.busy(); busy && tickC == nil {
			ticker.Reset(pausePollInterval)
			tickC = ticker.C
		} else if !busy && tickC != nil {
			ticker.Stop()
			tickC = nil
		}
	}
}

// SetRole sets whether this peer hosts the session or joined as a guest.
func (s *Synchronizer) SetRole(role Role) {
	s.mu.Lock()
	s.role = role
	s.mu.Unlock()
}

// SetPeerID sets the identity stamped on outgoing messages. Incoming
// messages carrying the same identity are dropped.
func (s *Synchronizer) SetPeerID(id string) {
	s.mu.Lock()
	s.peer = id
	s.mu.Unlock()
}

// SetOutput connects the synchronizer to the session layer. A nil output
// means no active connection; local actions are then not sent anywhere.
func (s *Synchronizer) SetOutput(out func(TransportMessage)) {
	s.mu.Lock()
	s.out = out
	s.mu.Unlock()
}

// HandleMessage applies a transport message received from a peer. The
// receiver estimates how long the message spent in flight from the sender's
// wall-clock timestamp; a seek arriving while playing is compensated by that
// latency, otherwise every peer would converge on a position that is already
// stale by the time it is applied. A host relays the applied action, freshly
// stamped, to the remaining guests.
func (s *Synchronizer) HandleMessage(msg TransportMessage) {
	if msg.Type != TransportMessageType {
		return
	}
	switch msg.Data.Action {
	case ActionPlay, ActionPause, ActionStop, ActionSeek:
	default:
		return
	}
	s.mu.Lock()
	if msg.From == s.peer {
		s.mu.Unlock()
		return
	}
	latency := float64(time.Now().UnixMilli()-msg.Timestamp) / 1000
	if latency < 0 {
		latency = 0
	}
	s.suppress = true
	s.pausePending = false
	role := s.role
	out := s.out
	s.mu.Unlock()

	applied := msg.Data.Time
	switch msg.Data.Action {
	case ActionPlay:
		s.target.PlayFrom(applied)
	case ActionSeek:
		if s.target.Playing() {
			applied += latency
		}
		s.mu.Lock()
		s.lastRemoteSeek = applied
		s.lastRemoteSeekAt = time.Now()
		s.mu.Unlock()
		s.target.Seek(applied)
	case ActionStop:
		s.target.Stop()
	case ActionPause:
		if s.target.CurrentTime() >= applied {
			// already past the remote pause point; pausing here beats
			// rewinding backwards
			s.target.Pause()
		} else {
			s.mu.Lock()
			s.pausePending = true
			s.pauseTarget = applied
			s.mu.Unlock()
		}
	}
	if role == RoleHost && out != nil {
		relay := msg
		relay.Timestamp = time.Now().UnixMilli()
		relay.Data.Time = applied
		out(relay)
	}
	s.wake()
}

// LocalPlay reports that the local user started playback at the given time.
func (s *Synchronizer) LocalPlay(t float64) { s.send(ActionPlay, t) }

// LocalPause reports that the local user paused at the given time.
func (s *Synchronizer) LocalPause(t float64) { s.send(ActionPause, t) }

// LocalStop reports that the local user stopped playback.
func (s *Synchronizer) LocalStop() { s.send(ActionStop, 0) }

// LocalSeek reports that the local user sought to the given time. A seek
// matching the last applied remote seek is an echo and is dropped, as is a
// repeat of the last sent seek inside the debounce window.
func (s *Synchronizer) LocalSeek(t float64) {
	now := time.Now()
	s.mu.Lock()
	if s.suppress || s.out == nil {
		s.mu.Unlock()
		return
	}
	if now.Sub(s.lastRemoteSeekAt) < transportDebounce && math.Abs(t-s.lastRemoteSeek) <= seekEchoTolerance {
		s.mu.Unlock()
		return
	}
	if now.Sub(s.lastSentSeekAt) < transportDebounce && math.Abs(t-s.lastSentSeek) <= seekRepeatTolerance {
		s.mu.Unlock()
		return
	}
	s.lastSentSeek = t
	s.lastSentSeekAt = now
	out := s.out
	peer := s.peer
	s.mu.Unlock()
	out(TransportMessage{
		Type:      TransportMessageType,
		From:      peer,
		Timestamp: now.UnixMilli(),
		Data:      TransportData{Action: ActionSeek, Time: t},
	})
}

func (s *Synchronizer) send(action TransportAction, t float64) {
	s.mu.Lock()
	if s.suppress || s.out == nil {
		s.mu.Unlock()
		return
	}
	out := s.out
	peer := s.peer
	s.mu.Unlock()
	out(TransportMessage{
		Type:      TransportMessageType,
		From:      peer,
		Timestamp: time.Now().UnixMilli(),
		Data:      TransportData{Action: action, Time: t},
	})
}

// tick clears the suppression flag and fires a pending remote pause once the
// local position has caught up with its target. The pause goes through the
// same suppressed path as any other applied remote action.
func (s *Synchronizer) tick() {
	s.mu.Lock()
	s.suppress = false
	pending := s.pausePending
	target := s.pauseTarget
	s.mu.Unlock()
	if !pending {
		return
	}
	if s.target.CurrentTime() < target {
		return
	}
	s.mu.Lock()
	if !s.pausePending {
		s.mu.Unlock()
		return
	}
	s.pausePending = false
	s.suppress = true
	s.mu.Unlock()
	s.target.Pause()
}

func (s *Synchronizer) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suppress || s.pausePending
}

func (s *Synchronizer) wake() {
	select {
	case s.interrupt <- struct{}{}:
	default:
	}
}
