package playback_test

import (
	"testing"
	"time"

	"github.com/JaceDashS/tactus/playback"
)

func startClock(t *testing.T, interval time.Duration) *playback.Broker {
	t.Helper()
	broker := playback.NewBroker()
	if _, err := playback.NewClock(broker, interval); err != nil {
		t.Fatalf("NewClock failed: %v", err)
	}
	t.Cleanup(func() {
		broker.CloseClock <- struct{}{}
		<-broker.FinishedClock
	})
	return broker
}

func nextTick(t *testing.T, broker *playback.Broker) playback.ClockTick {
	t.Helper()
	for {
		msg, ok := playback.TimeoutReceive(broker.ToSignal, time.Second)
		if !ok {
			t.Fatal("timed out waiting for a clock tick")
		}
		if msg.HasTick {
			return msg.Tick
		}
	}
}

func TestClockRejectsBadInterval(t *testing.T) {
	if _, err := playback.NewClock(playback.NewBroker(), 0); err == nil {
		t.Fatal("NewClock accepted a zero interval")
	}
	if _, err := playback.NewClock(nil, time.Millisecond); err == nil {
		t.Fatal("NewClock accepted a nil broker")
	}
}

func TestClockStartEmitsMonotonicTicks(t *testing.T) {
	broker := startClock(t, 5*time.Millisecond)
	broker.ToClock <- playback.StartMsg{Time: 1.5}
	first := nextTick(t, broker)
	if !first.Running {
		t.Fatalf("first tick not running: %+v", first)
	}
	if first.Time < 1.5 || first.Time > 1.6 {
		t.Fatalf("first tick at %v, want about 1.5", first.Time)
	}
	prev := first.Time
	for i := 0; i < 5; i++ {
		tick := nextTick(t, broker)
		if tick.Time < prev {
			t.Fatalf("tick %d went backwards: %v after %v", i, tick.Time, prev)
		}
		prev = tick.Time
	}
}

func TestClockPausePreservesPosition(t *testing.T) {
	broker := startClock(t, 5*time.Millisecond)
	broker.ToClock <- playback.StartMsg{Time: 0}
	nextTick(t, broker)
	nextTick(t, broker)
	broker.ToClock <- playback.PauseMsg{}
	var paused playback.ClockTick
	for {
		paused = nextTick(t, broker)
		if !paused.Running {
			break
		}
	}
	if paused.Time <= 0 {
		t.Fatalf("paused at %v, want the elapsed position", paused.Time)
	}
	// a paused clock emits nothing until the next command
	if msg, ok := playback.TimeoutReceive(broker.ToSignal, 50*time.Millisecond); ok {
		t.Fatalf("tick after pause: %+v", msg)
	}
}

func TestClockStopSnapsPosition(t *testing.T) {
	broker := startClock(t, 5*time.Millisecond)
	broker.ToClock <- playback.StartMsg{Time: 4}
	nextTick(t, broker)
	broker.ToClock <- playback.StopMsg{}
	for {
		tick := nextTick(t, broker)
		if !tick.Running {
			if tick.Time != 0 {
				t.Fatalf("stopped at %v, want 0", tick.Time)
			}
			break
		}
	}
}

func TestClockSeekKeepsRunningState(t *testing.T) {
	broker := startClock(t, 5*time.Millisecond)
	broker.ToClock <- playback.SeekMsg{Time: 3}
	tick := nextTick(t, broker)
	if tick.Running {
		t.Fatal("seek started a paused clock")
	}
	if tick.Time != 3 {
		t.Fatalf("seeked to %v, want 3", tick.Time)
	}
	broker.ToClock <- playback.StartMsg{Time: 3}
	nextTick(t, broker)
	broker.ToClock <- playback.SeekMsg{Time: 10}
	for {
		tick = nextTick(t, broker)
		if tick.Time >= 10 {
			break
		}
	}
	if !tick.Running {
		t.Fatal("seek paused a running clock")
	}
}

func TestClockReportsIntervals(t *testing.T) {
	broker := startClock(t, 5*time.Millisecond)
	broker.ToClock <- playback.StartMsg{Time: 0}
	msg, ok := playback.TimeoutReceive(broker.ToMonitor, time.Second)
	if !ok || !msg.Reset {
		t.Fatalf("first monitor message %+v, want a reset", msg)
	}
	for {
		msg, ok = playback.TimeoutReceive(broker.ToMonitor, time.Second)
		if !ok {
			t.Fatal("timed out waiting for an interval sample")
		}
		if msg.HasInterval {
			break
		}
	}
	if msg.Interval <= 0 {
		t.Fatalf("interval sample %v, want positive", msg.Interval)
	}
}
