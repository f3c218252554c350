package playback_test

import (
	"math"
	"testing"
	"time"

	"github.com/JaceDashS/tactus/playback"
)

func startMonitor(t *testing.T) *playback.Broker {
	t.Helper()
	broker := playback.NewBroker()
	monitor := playback.NewMonitor(broker)
	go monitor.Run()
	t.Cleanup(func() {
		broker.CloseMonitor <- struct{}{}
		<-broker.FinishedMonitor
	})
	return broker
}

func TestMonitorReportsSteadyCadence(t *testing.T) {
	broker := startMonitor(t)
	for i := 0; i < 8; i++ {
		broker.ToMonitor <- playback.MsgToMonitor{HasInterval: true, Interval: 0.025}
	}
	msg, ok := playback.TimeoutReceive(broker.ToEngine, time.Second)
	if !ok || !msg.HasJitter {
		t.Fatalf("engine message %+v, want a jitter report", msg)
	}
	r := msg.Jitter
	if math.Abs(r.Mean-0.025) > 1e-9 {
		t.Fatalf("mean %v, want 0.025", r.Mean)
	}
	if r.Peak != 0.025 {
		t.Fatalf("peak %v, want 0.025", r.Peak)
	}
	if r.Stddev > 1e-6 {
		t.Fatalf("deviation %v for a steady cadence", r.Stddev)
	}
	if r.Count != 8 {
		t.Fatalf("count %d, want 8", r.Count)
	}
}

func TestMonitorAlertsOnSpike(t *testing.T) {
	broker := startMonitor(t)
	for i := 0; i < 7; i++ {
		broker.ToMonitor <- playback.MsgToMonitor{HasInterval: true, Interval: 0.025}
	}
	broker.ToMonitor <- playback.MsgToMonitor{HasInterval: true, Interval: 0.3}
	sawReport, sawAlert := false, false
	for !sawReport || !sawAlert {
		msg, ok := playback.TimeoutReceive(broker.ToEngine, time.Second)
		if !ok {
			t.Fatalf("missing engine messages, report %v alert %v", sawReport, sawAlert)
		}
		if msg.HasJitter {
			sawReport = true
			if msg.Jitter.Peak != 0.3 {
				t.Fatalf("peak %v, want the spike", msg.Jitter.Peak)
			}
		}
		if msg.HasAlert {
			sawAlert = true
			if msg.Alert.Name != "ClockJitter" {
				t.Fatalf("alert %q, want ClockJitter", msg.Alert.Name)
			}
			if msg.Alert.Priority != playback.Warning {
				t.Fatalf("alert priority %v, want a warning", msg.Alert.Priority)
			}
		}
	}
}

func TestMonitorResetClearsWindow(t *testing.T) {
	broker := startMonitor(t)
	for i := 0; i < 5; i++ {
		broker.ToMonitor <- playback.MsgToMonitor{HasInterval: true, Interval: 0.025}
	}
	broker.ToMonitor <- playback.MsgToMonitor{Reset: true}
	for i := 0; i < 5; i++ {
		broker.ToMonitor <- playback.MsgToMonitor{HasInterval: true, Interval: 0.025}
	}
	// five samples after the reset are below the reporting minimum
	if msg, ok := playback.TimeoutReceive(broker.ToEngine, 100*time.Millisecond); ok {
		t.Fatalf("report %+v from a freshly reset window", msg)
	}
}

func TestMonitorIgnoresNonPositiveIntervals(t *testing.T) {
	broker := startMonitor(t)
	for i := 0; i < 20; i++ {
		broker.ToMonitor <- playback.MsgToMonitor{HasInterval: true, Interval: -1}
	}
	if msg, ok := playback.TimeoutReceive(broker.ToEngine, 100*time.Millisecond); ok {
		t.Fatalf("report %+v built from garbage intervals", msg)
	}
}
