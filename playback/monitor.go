package playback

import (
	"fmt"
	"math"
	"time"

	"github.com/viterin/vek"
)

type (
	// JitterReport summarizes the cadence of the raw clock over a recent
	// window of tick intervals, in seconds. Mean near the configured tick
	// interval with a small deviation means the clock is healthy; a large
	// peak means some tick arrived late and the smoothed time had to cover
	// for it.
	JitterReport struct {
		Mean   float64
		Peak   float64
		Stddev float64
		Count  int
	}

	// Monitor consumes raw tick intervals from the clock and periodically
	// publishes jitter statistics. Seeks and transport changes reset the
	// window so that the intentional discontinuity does not count as jitter.
	Monitor struct {
		broker     *Broker
		window     []float64
		square     []float64
		pos        int
		filled     bool
		lastReport time.Time
	}
)

const (
	monitorWindow       = 256
	monitorReportPeriod = 1 * time.Second
	monitorMinSamples   = 8

	// a tick this much later than the average cadence is worth an alert
	jitterAlertRatio = 4.0
	jitterAlertFloor = 0.1
)

func NewMonitor(broker *Broker) *Monitor {
	return &Monitor{
		broker: broker,
		window: make([]float64, 0, monitorWindow),
		square: make([]float64, monitorWindow),
	}
}

// Run consumes interval samples until CloseMonitor is signaled, closing
// FinishedMonitor on the way out.
func (m *Monitor) Run() {
	defer close(m.broker.FinishedMonitor)
	for {
		select {
		case msg := <-m.broker.ToMonitor:
			if msg.Reset {
				m.reset()
			}
			if msg.HasInterval {
				m.observe(msg.Interval)
			}
		case <-m.broker.CloseMonitor:
			return
		}
	}
}

func (m *Monitor) reset() {
	m.window = m.window[:0]
	m.pos = 0
	m.filled = false
}

func (m *Monitor) observe(interval float64) {
	if interval <= 0 {
		return
	}
	if m.filled {
		m.window[m.pos] = interval
		m.pos = (m.pos + 1) % monitorWindow
	} else {
		m.window = append(m.window, interval)
		if len(m.window) == monitorWindow {
			m.filled = true
		}
	}
	if len(m.window) < monitorMinSamples {
		return
	}
	if now := time.Now(); now.Sub(m.lastReport) >= monitorReportPeriod {
		m.lastReport = now
		m.report()
	}
}

// report computes the window statistics and hands them to the engine. The
// deviation comes from E[x²]-E[x]², which can dip just below zero in floating
// point when the window is nearly constant.
func (m *Monitor) report() {
	mean := vek.Mean(m.window)
	peak := vek.Max(m.window)
	sq := m.square[:len(m.window)]
	vek.Mul_Into(sq, m.window, m.window)
	variance := vek.Mean(sq) - mean*mean
	if variance < 0 {
		variance = 0
	}
	r := JitterReport{
		Mean:   mean,
		Peak:   peak,
		Stddev: math.Sqrt(variance),
		Count:  len(m.window),
	}
	TrySend(m.broker.ToEngine, MsgToEngine{HasJitter: true, Jitter: r})
	if peak > jitterAlertFloor && peak > jitterAlertRatio*mean {
		sendAlert(m.broker, "ClockJitter",
			fmt.Sprintf("clock tick %.0f ms late (average cadence %.0f ms)",
				(peak-mean)*1000, mean*1000), Warning)
	}
}
