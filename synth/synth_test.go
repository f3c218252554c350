package synth_test

import (
	"math"
	"testing"

	"github.com/JaceDashS/tactus"
	"github.com/JaceDashS/tactus/synth"
)

const testRate = 1000

func energy(buffer []float32, fromFrame, toFrame int) float64 {
	sum := 0.0
	for i := fromFrame; i < toFrame; i++ {
		sum += math.Abs(float64(buffer[2*i])) + math.Abs(float64(buffer[2*i+1]))
	}
	return sum
}

func note(start, duration float64, pitch int) tactus.ScheduledNote {
	return tactus.ScheduledNote{
		Pitch:       pitch,
		Velocity:    127,
		StartTime:   start,
		Duration:    duration,
		TrackVolume: 1,
	}
}

func TestSynthStartsNotesAtTheirSample(t *testing.T) {
	s := synth.New(testRate, nil)
	s.ScheduleNote(note(0.1, 0.2, 69))
	buffer := make([]float32, 2*300)
	s.Process(buffer)
	if e := energy(buffer, 0, 99); e != 0 {
		t.Fatalf("signal %v before the note's start", e)
	}
	if e := energy(buffer, 100, 200); e == 0 {
		t.Fatal("no signal after the note's start")
	}
}

func TestSynthAudioOffsetShiftsStart(t *testing.T) {
	s := synth.New(testRate, nil)
	n := note(0.1, 0.2, 69)
	n.AudioOffset = 0.1 // the backend clock runs 100ms ahead of playback time
	s.ScheduleNote(n)
	buffer := make([]float32, 2*300)
	s.Process(buffer)
	if e := energy(buffer, 100, 199); e != 0 {
		t.Fatal("note ignored the backend clock offset")
	}
	if e := energy(buffer, 200, 300); e == 0 {
		t.Fatal("no signal at the offset start")
	}
}

func TestSynthClockFollowsRendering(t *testing.T) {
	s := synth.New(testRate, nil)
	if s.CurrentTime() != 0 {
		t.Fatalf("clock %v before rendering", s.CurrentTime())
	}
	s.Process(make([]float32, 2*500))
	if got := s.CurrentTime(); got != 0.5 {
		t.Fatalf("clock %v after 500 frames at 1 kHz, want 0.5", got)
	}
}

func TestSynthLateNotesStartImmediately(t *testing.T) {
	s := synth.New(testRate, nil)
	s.Process(make([]float32, 2*100))
	s.ScheduleNote(note(0, 0.2, 69)) // its start has already passed
	buffer := make([]float32, 2*100)
	s.Process(buffer)
	if e := energy(buffer, 5, 100); e == 0 {
		t.Fatal("late note never sounded")
	}
}

func TestSynthStopAllDropsPendingAndReleasesActive(t *testing.T) {
	s := synth.New(testRate, nil)
	s.ScheduleNote(note(0, 5, 60))
	s.ScheduleNote(note(0.4, 1, 72))
	s.Process(make([]float32, 2*200))
	s.StopAll()
	buffer := make([]float32, 2*1000)
	s.Process(buffer)
	if e := energy(buffer, 960, 1000); e != 0 {
		t.Fatalf("signal %v long after StopAll", e)
	}
}

func TestSynthPanning(t *testing.T) {
	s := synth.New(testRate, nil)
	n := note(0, 0.2, 69)
	n.TrackPan = -1
	s.ScheduleNote(n)
	buffer := make([]float32, 2*100)
	s.Process(buffer)
	left, right := 0.0, 0.0
	for i := 0; i < 100; i++ {
		left += math.Abs(float64(buffer[2*i]))
		right += math.Abs(float64(buffer[2*i+1]))
	}
	if left == 0 {
		t.Fatal("hard-left note silent on the left")
	}
	if right > left/1000 {
		t.Fatalf("hard-left note leaks right: left %v right %v", left, right)
	}
}

func TestSynthVolumeZeroIsSilent(t *testing.T) {
	s := synth.New(testRate, nil)
	n := note(0, 0.2, 69)
	n.TrackVolume = 0
	s.ScheduleNote(n)
	buffer := make([]float32, 2*100)
	s.Process(buffer)
	if e := energy(buffer, 0, 100); e != 0 {
		t.Fatalf("muted note still audible: %v", e)
	}
}

func TestRenderBouncesAProject(t *testing.T) {
	p := tactus.Project{
		PPQN: 480,
		Tracks: []tactus.Track{{
			Name:   "keys",
			Volume: 1,
			Parts: []tactus.Part{{Notes: []tactus.Note{
				{Tick: 0, Length: 480, Pitch: 60, Velocity: 100},
				{Tick: 480, Length: 480, Pitch: 64, Velocity: 100},
			}}},
		}},
	}
	buffer := synth.Render(p, testRate, false)
	// two quarters at 120 BPM plus the tail
	if want := 2 * 2000; len(buffer) != want {
		t.Fatalf("rendered %d samples, want %d", len(buffer), want)
	}
	if e := energy(buffer, 0, 500); e == 0 {
		t.Fatal("bounce is silent")
	}
	if e := energy(buffer, 1990, 2000); e != 0 {
		t.Fatalf("signal %v at the very end of the tail", e)
	}
}
