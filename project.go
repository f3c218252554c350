package tactus

import (
	"fmt"
	"sort"
)

// TempoEvent sets the tempo from a given tick onwards, expressed as
// microseconds per quarter note (SMF convention; 500000 = 120 BPM).
type TempoEvent struct {
	Tick             int
	MicrosPerQuarter int
}

// BPM returns the tempo of the event in beats per minute.
func (e TempoEvent) BPM() float64 {
	return MicrosPerQuarterToBPM(e.MicrosPerQuarter)
}

// TempoMap is the ordered list of tempo changes of a project. The map is not
// required to be sorted or to start at tick 0; Normalize takes care of both
// before any conversion uses it.
type TempoMap []TempoEvent

// Normalize returns a sorted copy of the map with a synthetic 120 BPM event
// prepended when no event exists at tick 0, so that the tempo before the first
// explicit event is always defined.
func (m TempoMap) Normalize() TempoMap {
	ret := make(TempoMap, len(m))
	copy(ret, m)
	sort.SliceStable(ret, func(i, j int) bool { return ret[i].Tick < ret[j].Tick })
	if len(ret) == 0 || ret[0].Tick > 0 {
		ret = append(TempoMap{{Tick: 0, MicrosPerQuarter: DefaultMicrosPerQuarter}}, ret...)
	}
	return ret
}

// At returns the tempo in effect at the given tick: the event with the
// greatest tick at or before the query. An empty map, or a query preceding
// every event, yields the default 120 BPM.
func (m TempoMap) At(tick int) TempoEvent {
	ret := TempoEvent{Tick: 0, MicrosPerQuarter: DefaultMicrosPerQuarter}
	found := false
	for _, e := range m {
		if e.Tick <= tick && (!found || e.Tick >= ret.Tick) {
			ret = e
			found = true
		}
	}
	return ret
}

// Copy makes a deep copy of a TempoMap.
func (m TempoMap) Copy() TempoMap {
	ret := make(TempoMap, len(m))
	copy(ret, m)
	return ret
}

// TimeSignatureEvent sets the time signature from a given tick onwards.
type TimeSignatureEvent struct {
	Tick        int
	Numerator   int
	Denominator int
}

// TimeSignatureMap is the ordered list of time signature changes of a project,
// following the same floor lookup convention as TempoMap.
type TimeSignatureMap []TimeSignatureEvent

// At returns the time signature in effect at the given tick, defaulting to 4/4
// for an empty map or a query preceding every event.
func (m TimeSignatureMap) At(tick int) TimeSignatureEvent {
	ret := TimeSignatureEvent{Tick: 0, Numerator: 4, Denominator: 4}
	found := false
	for _, e := range m {
		if e.Tick <= tick && (!found || e.Tick >= ret.Tick) {
			ret = e
			found = true
		}
	}
	return ret
}

// Copy makes a deep copy of a TimeSignatureMap.
func (m TimeSignatureMap) Copy() TimeSignatureMap {
	ret := make(TimeSignatureMap, len(m))
	copy(ret, m)
	return ret
}

// Note is a single note within a part. Tick is relative to the start of the
// containing part; Length is the duration in ticks.
type Note struct {
	Tick     int
	Length   int
	Pitch    int
	Velocity int
}

// Part is a clip of notes placed at an absolute tick position on a track.
type Part struct {
	Tick  int
	Notes []Note `yaml:",flow"`
}

// Copy makes a deep copy of a Part.
func (p Part) Copy() Part {
	notes := make([]Note, len(p.Notes))
	copy(notes, p.Notes)
	return Part{Tick: p.Tick, Notes: notes}
}

// Track holds the parts of one instrument along with its mixing parameters.
// Volume is a linear gain in [0,1] and Pan is in [-1,1], 0 meaning center.
type Track struct {
	Name       string
	Instrument string
	Volume     float64
	Pan        float64
	Muted      bool `yaml:",omitempty"`
	Solo       bool `yaml:",omitempty"`
	Parts      []Part
}

// Copy makes a deep copy of a Track.
func (t Track) Copy() Track {
	parts := make([]Part, len(t.Parts))
	for i, p := range t.Parts {
		parts[i] = p.Copy()
	}
	return Track{Name: t.Name, Instrument: t.Instrument, Volume: t.Volume,
		Pan: t.Pan, Muted: t.Muted, Solo: t.Solo, Parts: parts}
}

// Project is the complete editable state of a multitrack arrangement: the
// tick resolution, tempo and time signature maps, and the tracks. The playback
// engine treats a Project as an immutable snapshot; mutations should produce a
// new value (see Copy) rather than edit one that a scheduler may be reading.
type Project struct {
	PPQN           int
	Tempo          TempoMap         `yaml:",flow"`
	TimeSignatures TimeSignatureMap `yaml:",flow"`
	Tracks         []Track
}

// Copy makes a deep copy of a Project.
func (p Project) Copy() Project {
	tracks := make([]Track, len(p.Tracks))
	for i, t := range p.Tracks {
		tracks[i] = t.Copy()
	}
	return Project{PPQN: p.PPQN, Tempo: p.Tempo.Copy(),
		TimeSignatures: p.TimeSignatures.Copy(), Tracks: tracks}
}

// TimeSignature returns the project-wide signature used for conversions, i.e.
// the one in effect at tick 0.
func (p Project) TimeSignature() TimeSignatureEvent {
	return p.TimeSignatures.At(0)
}

// EndTick returns the tick right after the last note of the project.
func (p Project) EndTick() int {
	end := 0
	for _, t := range p.Tracks {
		for _, part := range t.Parts {
			for _, n := range part.Notes {
				if e := part.Tick + n.Tick + n.Length; e > end {
					end = e
				}
			}
		}
	}
	return end
}

// Validate checks that the project can be played back: the resolution must be
// positive, tempo entries must have a positive rate and notes must stay in the
// MIDI ranges. Unsorted or empty tempo/time signature maps are not errors;
// conversions normalize them.
func (p Project) Validate() error {
	if p.PPQN <= 0 {
		return fmt.Errorf("project PPQN was %d, but it should be positive", p.PPQN)
	}
	for _, e := range p.Tempo {
		if e.MicrosPerQuarter <= 0 {
			return fmt.Errorf("tempo event at tick %d had %d microseconds per quarter note", e.Tick, e.MicrosPerQuarter)
		}
		if e.Tick < 0 {
			return fmt.Errorf("tempo event had negative tick %d", e.Tick)
		}
	}
	for _, e := range p.TimeSignatures {
		if e.Numerator <= 0 || e.Denominator <= 0 {
			return fmt.Errorf("time signature %d/%d at tick %d is not valid", e.Numerator, e.Denominator, e.Tick)
		}
	}
	for i, t := range p.Tracks {
		for _, part := range t.Parts {
			for _, n := range part.Notes {
				if n.Pitch < 0 || n.Pitch > 127 {
					return fmt.Errorf("track %d has a note with pitch %d outside 0-127", i, n.Pitch)
				}
				if n.Velocity < 0 || n.Velocity > 127 {
					return fmt.Errorf("track %d has a note with velocity %d outside 0-127", i, n.Velocity)
				}
			}
		}
	}
	return nil
}
