package playback_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/JaceDashS/tactus/playback"
)

type fakeTransport struct {
	mu      sync.Mutex
	playing bool
	now     float64
	plays   []float64
	seeks   []float64
	pauses  int
	stops   int
}

func (f *fakeTransport) PlayFrom(t float64) {
	f.mu.Lock()
	f.playing = true
	f.plays = append(f.plays, t)
	f.mu.Unlock()
}

func (f *fakeTransport) Pause() {
	f.mu.Lock()
	f.playing = false
	f.pauses++
	f.mu.Unlock()
}

func (f *fakeTransport) Stop() {
	f.mu.Lock()
	f.playing = false
	f.now = 0
	f.stops++
	f.mu.Unlock()
}

func (f *fakeTransport) Seek(t float64) {
	f.mu.Lock()
	f.seeks = append(f.seeks, t)
	f.mu.Unlock()
}

func (f *fakeTransport) CurrentTime() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTransport) Playing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

func (f *fakeTransport) set(now float64, playing bool) {
	f.mu.Lock()
	f.now = now
	f.playing = playing
	f.mu.Unlock()
}

func (f *fakeTransport) snapshot() (plays, seeks []float64, pauses, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.plays...), append([]float64(nil), f.seeks...), f.pauses, f.stops
}

type sentLog struct {
	mu   sync.Mutex
	msgs []playback.TransportMessage
}

func (l *sentLog) send(msg playback.TransportMessage) {
	l.mu.Lock()
	l.msgs = append(l.msgs, msg)
	l.mu.Unlock()
}

func (l *sentLog) all() []playback.TransportMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]playback.TransportMessage(nil), l.msgs...)
}

func startSynchronizer(t *testing.T, target playback.TransportTarget) (*playback.Synchronizer, *sentLog) {
	t.Helper()
	broker := playback.NewBroker()
	s := playback.NewSynchronizer(broker, target)
	out := &sentLog{}
	s.SetPeerID("local")
	s.SetOutput(out.send)
	go s.Run()
	t.Cleanup(func() {
		broker.CloseSync <- struct{}{}
		<-broker.FinishedSync
	})
	return s, out
}

func seekMessage(from string, at float64, sent time.Time) playback.TransportMessage {
	return playback.TransportMessage{
		Type:      playback.TransportMessageType,
		From:      from,
		Timestamp: sent.UnixMilli(),
		Data:      playback.TransportData{Action: playback.ActionSeek, Time: at},
	}
}

func TestTransportMessageWireFormat(t *testing.T) {
	msg := playback.TransportMessage{
		Type:      playback.TransportMessageType,
		From:      "alice",
		Timestamp: 1719000000123,
		Data:      playback.TransportData{Action: playback.ActionSeek, Time: 12.5},
	}
	got, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"type":"transport","from":"alice","timestamp":1719000000123,"data":{"action":"seek","time":12.5}}`
	if string(got) != want {
		t.Fatalf("wire format %s, want %s", got, want)
	}
	var back playback.TransportMessage
	if err := json.Unmarshal(got, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back != msg {
		t.Fatalf("round trip %+v, want %+v", back, msg)
	}
}

func TestSeekCompensatesTransitLatency(t *testing.T) {
	target := &fakeTransport{}
	target.set(9.0, true)
	s, _ := startSynchronizer(t, target)
	s.HandleMessage(seekMessage("peer", 10.0, time.Now().Add(-100*time.Millisecond)))
	_, seeks, _, _ := target.snapshot()
	if len(seeks) != 1 {
		t.Fatalf("applied %d seeks, want 1", len(seeks))
	}
	if seeks[0] < 10.095 || seeks[0] > 10.2 {
		t.Fatalf("applied seek %v, want about 10.1 after 100ms in flight", seeks[0])
	}
}

func TestSeekNotCompensatedWhileIdle(t *testing.T) {
	target := &fakeTransport{}
	target.set(9.0, false)
	s, _ := startSynchronizer(t, target)
	s.HandleMessage(seekMessage("peer", 10.0, time.Now().Add(-100*time.Millisecond)))
	_, seeks, _, _ := target.snapshot()
	if len(seeks) != 1 || seeks[0] != 10.0 {
		t.Fatalf("applied seeks %v, want exactly 10.0 while idle", seeks)
	}
}

func TestLocalSeekEchoOfRemoteIsDropped(t *testing.T) {
	target := &fakeTransport{}
	target.set(0, false)
	s, out := startSynchronizer(t, target)
	s.HandleMessage(seekMessage("peer", 10.0, time.Now()))
	time.Sleep(80 * time.Millisecond) // let the poll clear the suppression flag
	s.LocalSeek(10.015)               // within tolerance of the just-applied 10.0
	s.LocalSeek(12.0)
	msgs := out.all()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want only the genuine seek", len(msgs))
	}
	if msgs[0].Data.Time != 12.0 {
		t.Fatalf("sent %+v, want the seek to 12.0", msgs[0])
	}
}

func TestLocalActionsSuppressedAfterRemoteApply(t *testing.T) {
	target := &fakeTransport{}
	s, out := startSynchronizer(t, target)
	s.HandleMessage(playback.TransportMessage{
		Type:      playback.TransportMessageType,
		From:      "peer",
		Timestamp: time.Now().UnixMilli(),
		Data:      playback.TransportData{Action: playback.ActionPlay, Time: 3.0},
	})
	s.LocalPlay(3.0) // the side effect of applying the remote play
	if sent := out.all(); len(sent) != 0 {
		t.Fatalf("suppressed window sent %+v", sent)
	}
	time.Sleep(100 * time.Millisecond)
	s.LocalPlay(5.0)
	if sent := out.all(); len(sent) != 1 || sent[0].Data.Action != playback.ActionPlay {
		t.Fatalf("sent %+v after the flag cleared, want the play", sent)
	}
}

func TestRepeatedSeeksDebounced(t *testing.T) {
	target := &fakeTransport{}
	s, out := startSynchronizer(t, target)
	s.LocalSeek(3.0)
	s.LocalSeek(3.0)
	s.LocalSeek(3.5)
	msgs := out.all()
	if len(msgs) != 2 {
		t.Fatalf("sent %d seeks, want the repeat dropped", len(msgs))
	}
	if msgs[0].Data.Time != 3.0 || msgs[1].Data.Time != 3.5 {
		t.Fatalf("sent %+v, want 3.0 then 3.5", msgs)
	}
}

func TestRemotePauseAlreadyPassed(t *testing.T) {
	target := &fakeTransport{}
	target.set(5.0, true)
	s, _ := startSynchronizer(t, target)
	s.HandleMessage(playback.TransportMessage{
		Type:      playback.TransportMessageType,
		From:      "peer",
		Timestamp: time.Now().UnixMilli(),
		Data:      playback.TransportData{Action: playback.ActionPause, Time: 4.5},
	})
	_, seeks, pauses, _ := target.snapshot()
	if pauses != 1 {
		t.Fatalf("%d pauses, want an immediate one", pauses)
	}
	if len(seeks) != 0 {
		t.Fatalf("pause rewound with seeks %v", seeks)
	}
}

func TestRemotePauseWaitsForTarget(t *testing.T) {
	target := &fakeTransport{}
	target.set(4.0, true)
	s, _ := startSynchronizer(t, target)
	s.HandleMessage(playback.TransportMessage{
		Type:      playback.TransportMessageType,
		From:      "peer",
		Timestamp: time.Now().UnixMilli(),
		Data:      playback.TransportData{Action: playback.ActionPause, Time: 4.3},
	})
	if _, _, pauses, _ := target.snapshot(); pauses != 0 {
		t.Fatal("paused before reaching the target time")
	}
	target.set(4.35, true)
	deadline := time.Now().Add(time.Second)
	for {
		if _, _, pauses, _ := target.snapshot(); pauses == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pending pause never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHostRelaysAppliedActions(t *testing.T) {
	target := &fakeTransport{}
	target.set(0, false)
	s, out := startSynchronizer(t, target)
	s.SetRole(playback.RoleHost)
	sent := time.Now().Add(-50 * time.Millisecond)
	s.HandleMessage(seekMessage("guest-1", 2.0, sent))
	msgs := out.all()
	if len(msgs) != 1 {
		t.Fatalf("host relayed %d messages, want 1", len(msgs))
	}
	relay := msgs[0]
	if relay.From != "guest-1" {
		t.Fatalf("relay from %q, want the original sender so it is not echoed back", relay.From)
	}
	if relay.Timestamp < sent.UnixMilli()+40 {
		t.Fatalf("relay timestamp %d not restamped", relay.Timestamp)
	}
	if relay.Data.Time != 2.0 {
		t.Fatalf("relay carries %v, want the applied time", relay.Data.Time)
	}
}

func TestGuestDoesNotRelay(t *testing.T) {
	target := &fakeTransport{}
	s, out := startSynchronizer(t, target)
	s.HandleMessage(seekMessage("peer", 2.0, time.Now()))
	if msgs := out.all(); len(msgs) != 0 {
		t.Fatalf("guest relayed %+v", msgs)
	}
}

func TestOwnAndForeignMessagesIgnored(t *testing.T) {
	target := &fakeTransport{}
	s, _ := startSynchronizer(t, target)
	s.HandleMessage(seekMessage("local", 2.0, time.Now()))
	foreign := seekMessage("peer", 3.0, time.Now())
	foreign.Type = "chat"
	s.HandleMessage(foreign)
	if _, seeks, _, _ := target.snapshot(); len(seeks) != 0 {
		t.Fatalf("applied %v from own or non-transport messages", seeks)
	}
}

func TestRemotePlayAndStopApply(t *testing.T) {
	target := &fakeTransport{}
	s, _ := startSynchronizer(t, target)
	s.HandleMessage(playback.TransportMessage{
		Type:      playback.TransportMessageType,
		From:      "peer",
		Timestamp: time.Now().UnixMilli(),
		Data:      playback.TransportData{Action: playback.ActionPlay, Time: 1.0},
	})
	s.HandleMessage(playback.TransportMessage{
		Type:      playback.TransportMessageType,
		From:      "peer",
		Timestamp: time.Now().UnixMilli(),
		Data:      playback.TransportData{Action: playback.ActionStop},
	})
	plays, _, _, stops := target.snapshot()
	if len(plays) != 1 || plays[0] != 1.0 {
		t.Fatalf("plays %v, want one at 1.0", plays)
	}
	if stops != 1 {
		t.Fatalf("%d stops, want 1", stops)
	}
}
