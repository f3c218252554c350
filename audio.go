package tactus

// ScheduledNote is one note handed to an audio backend, with everything the
// backend needs to place it on its own clock: StartTime and Duration are in
// project seconds, PlaybackTime is the project time at the moment of the
// scheduling call, and AudioOffset is the backend clock minus PlaybackTime, so
// that StartTime+AudioOffset is the absolute backend time of the note.
type ScheduledNote struct {
	Pitch        int
	Velocity     int
	StartTime    float64
	Duration     float64
	PlaybackTime float64
	AudioOffset  float64
	TrackID      int
	TrackVolume  float64
	TrackPan     float64
	Instrument   string
}

// Backend is the audio output contract consumed by the playback engine.
// ScheduleNote and StopAll are best effort and must not block; CurrentTime is
// the backend's own monotonic clock in seconds. Ready returns a channel that
// is closed once the backend can actually produce sound; the engine never
// assumes synchronous readiness.
type Backend interface {
	ScheduleNote(note ScheduledNote)
	StopAll()
	CurrentTime() float64
	Ready() <-chan struct{}
}

// SampleSource produces interleaved stereo float32 samples, filling dst
// completely on every call.
type SampleSource interface {
	Process(dst []float32)
}

// NullBackend is a Backend that plays nothing and is always ready. It is
// useful when driving the engine without audible output.
type NullBackend struct{}

func (NullBackend) ScheduleNote(ScheduledNote) {}
func (NullBackend) StopAll()                   {}
func (NullBackend) CurrentTime() float64       { return 0 }

func (NullBackend) Ready() <-chan struct{} {
	return closedChan
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()
