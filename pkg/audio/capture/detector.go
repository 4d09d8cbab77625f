package capture

// EventType classifies the outcome of one [Detector.Process] call.
type EventType int

const (
	// SpeechStart indicates the level just crossed above the threshold.
	SpeechStart EventType = iota

	// SpeechContinue indicates ongoing speech.
	SpeechContinue

	// SpeechEnd indicates the level just dropped to or below the threshold.
	SpeechEnd

	// Silence indicates no speech, unchanged from the previous frame.
	Silence
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "SPEECH_START"
	case SpeechContinue:
		return "SPEECH_CONTINUE"
	case SpeechEnd:
		return "SPEECH_END"
	case Silence:
		return "SILENCE"
	default:
		return "UNKNOWN"
	}
}

// Transition reports whether the event changes the speaking state.
func (t EventType) Transition() bool {
	return t == SpeechStart || t == SpeechEnd
}

// Event is the result of classifying a single frame.
type Event struct {
	Type  EventType
	Level float64
}

// Detector classifies frames as speech or silence with a single fixed
// threshold. A level strictly above Threshold is speech. There is no
// hysteresis: a level oscillating around the threshold produces a transition
// on every crossing.
//
// A Detector is not safe for concurrent use; the capture loop owns it.
type Detector struct {
	Threshold float64

	speaking bool
}

// Process classifies level and updates the speaking state.
func (d *Detector) Process(level float64) Event {
	now := level > d.Threshold
	was := d.speaking
	d.speaking = now

	var t EventType
	switch {
	case now && !was:
		t = SpeechStart
	case now && was:
		t = SpeechContinue
	case !now && was:
		t = SpeechEnd
	default:
		t = Silence
	}
	return Event{Type: t, Level: level}
}

// Speaking returns the last classification.
func (d *Detector) Speaking() bool { return d.speaking }

// Reset returns the detector to silence.
func (d *Detector) Reset() { d.speaking = false }
