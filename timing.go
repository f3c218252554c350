package tactus

import "math"

// DefaultMicrosPerQuarter is the tempo assumed before any explicit tempo
// event, per SMF semantics: 500000 microseconds per quarter note = 120 BPM.
const DefaultMicrosPerQuarter = 500000

// BPMToMicrosPerQuarter converts beats per minute to microseconds per quarter
// note, rounding half away from zero.
func BPMToMicrosPerQuarter(bpm float64) int {
	return int(math.Round(60e6 / bpm))
}

// MicrosPerQuarterToBPM converts microseconds per quarter note to beats per
// minute.
func MicrosPerQuarterToBPM(micros int) float64 {
	return 60e6 / float64(micros)
}

// ticksPerSecond returns how many ticks elapse per second at the given tempo.
// The beat counted by the BPM is the denominator unit of the time signature,
// so a 120 BPM 6/8 project advances twice as fast in ticks as a 120 BPM 6/4
// one.
func ticksPerSecond(bpm float64, sig TimeSignatureEvent, ppqn int) float64 {
	secondsPerBeat := (60 / bpm) * (4 / float64(sig.Denominator))
	return float64(ppqn) / secondsPerBeat
}

// MeasureToTicks converts a measure position and length to ticks under a
// single time signature. Results are rounded half away from zero.
func MeasureToTicks(startMeasure, durationMeasures float64, sig TimeSignatureEvent, ppqn int) (startTick, durationTicks int) {
	ticksPerBeat := float64(ppqn) * 4 / float64(sig.Denominator)
	ticksPerMeasure := float64(sig.Numerator) * ticksPerBeat
	startTick = int(math.Round(startMeasure * ticksPerMeasure))
	durationTicks = int(math.Round(durationMeasures * ticksPerMeasure))
	return startTick, durationTicks
}

// TicksToMeasure is the inverse of MeasureToTicks. No rounding takes place, as
// measure positions are typically intermediate values; rounding here would
// accumulate error over repeated round trips.
func TicksToMeasure(startTick, durationTicks int, sig TimeSignatureEvent, ppqn int) (startMeasure, durationMeasures float64) {
	ticksPerBeat := float64(ppqn) * 4 / float64(sig.Denominator)
	ticksPerMeasure := float64(sig.Numerator) * ticksPerBeat
	return float64(startTick) / ticksPerMeasure, float64(durationTicks) / ticksPerMeasure
}

// TicksToSeconds converts a tick position and duration to seconds, walking the
// normalized tempo map so that tempo changes falling inside the range are
// integrated correctly. The start time is the duration of [0,startTick) and
// the duration that of [startTick,startTick+durationTicks); a degenerate range
// yields 0.
func TicksToSeconds(startTick, durationTicks int, tempo TempoMap, sig TimeSignatureEvent, ppqn int) (startTime, duration float64) {
	norm := tempo.Normalize()
	startTime = rangeSeconds(0, float64(startTick), norm, sig, ppqn)
	duration = rangeSeconds(float64(startTick), float64(startTick+durationTicks), norm, sig, ppqn)
	return startTime, duration
}

// rangeSeconds accumulates the seconds spanned by the tick range [start,end)
// over the segments of a normalized tempo map. Each segment [tick_i,tick_i+1)
// contributes its overlap with the range divided by the tick rate of that
// segment; the last segment extends to infinity.
func rangeSeconds(start, end float64, norm TempoMap, sig TimeSignatureEvent, ppqn int) float64 {
	if end <= start {
		return 0
	}
	total := 0.0
	for i, e := range norm {
		segStart := float64(e.Tick)
		segEnd := math.Inf(1)
		if i+1 < len(norm) {
			segEnd = float64(norm[i+1].Tick)
		}
		lo := math.Max(segStart, start)
		hi := math.Min(segEnd, end)
		if hi <= lo {
			continue
		}
		total += (hi - lo) / ticksPerSecond(e.BPM(), sig, ppqn)
	}
	return total
}

// SecondsToTicks is the inverse of TicksToSeconds. Both the start and the end
// of the range are located with the same segment walk, so the forward and
// inverse conversions agree for any target, including targets inside or past
// the last tempo segment. A negative start time is taken to occur before the
// whole tempo map and converts at the first tempo's rate, so the resulting
// tick may be negative. Ticks are rounded half away from zero; a non-positive
// duration yields 0 ticks.
func SecondsToTicks(startTime, duration float64, tempo TempoMap, sig TimeSignatureEvent, ppqn int) (startTick, durationTicks int) {
	norm := tempo.Normalize()
	startTick = int(math.Round(tickAtTime(startTime, norm, sig, ppqn)))
	if duration <= 0 {
		return startTick, 0
	}
	endTick := int(math.Round(tickAtTime(startTime+duration, norm, sig, ppqn)))
	return startTick, endTick - startTick
}

// tickAtTime walks the normalized tempo map accumulating each finite segment's
// duration until the target time lands inside a segment, then solves for the
// tick offset within it at that segment's rate. The last segment is unbounded,
// so the walk always terminates inside some segment.
func tickAtTime(target float64, norm TempoMap, sig TimeSignatureEvent, ppqn int) float64 {
	if target < 0 {
		return target * ticksPerSecond(norm[0].BPM(), sig, ppqn)
	}
	elapsed := 0.0
	for i, e := range norm {
		rate := ticksPerSecond(e.BPM(), sig, ppqn)
		if i+1 < len(norm) {
			segSeconds := float64(norm[i+1].Tick-e.Tick) / rate
			if elapsed+segSeconds > target {
				return float64(e.Tick) + (target-elapsed)*rate
			}
			elapsed += segSeconds
		} else {
			return float64(e.Tick) + (target-elapsed)*rate
		}
	}
	return 0 // normalized maps are never empty
}
