package envelope

import "time"

// Payload types carried by the envelope variants. Field names follow the
// camelCase wire format the browser screens speak.

// Millis is a unix timestamp in milliseconds, the format screens use for endsAt.
type Millis int64

// MillisOf converts t to a Millis timestamp.
func MillisOf(t time.Time) Millis {
	return Millis(t.UnixMilli())
}

// Time converts m back to a time.Time.
func (m Millis) Time() time.Time {
	return time.UnixMilli(int64(m))
}

// Word is one entry of the word list selected on the control panel.
type Word struct {
	Word         string `json:"word"`
	Definition   string `json:"definition,omitempty"`
	Sentence     string `json:"sentence,omitempty"`
	PartOfSpeech string `json:"partOfSpeech,omitempty"`
}

// UpdatePayload announces the current word and, when running, the countdown.
type UpdatePayload struct {
	Word      string  `json:"word"`
	TimeLeft  int     `json:"timeLeft"`
	IsRunning bool    `json:"isRunning"`
	EndsAt    *Millis `json:"endsAt,omitempty"`
	Duration  *int    `json:"duration,omitempty"`
}

// PausePayload freezes the countdown. TimeLeft, when set, is authoritative.
type PausePayload struct {
	Word     string `json:"word,omitempty"`
	TimeLeft *int   `json:"timeLeft,omitempty"`
}

// EndPayload stops the countdown. An empty Word means the operator aborted.
type EndPayload struct {
	Word string `json:"word,omitempty"`
}

// SpeechPayload asks remote screens to play an audible countdown cue.
type SpeechPayload struct {
	SecondsLeft int  `json:"secondsLeft"`
	ShouldSpeak bool `json:"shouldSpeak"`
}

// ControlAction is an operator command sent to the control panel.
type ControlAction string

const (
	ControlStart  ControlAction = "start"
	ControlPause  ControlAction = "pause"
	ControlResume ControlAction = "resume"
	ControlAdd    ControlAction = "add"
	ControlEnd    ControlAction = "end"
	ControlReset  ControlAction = "reset"
)

// ControlPayload carries a remote command for the authoritative timer.
type ControlPayload struct {
	Action     ControlAction `json:"action"`
	AddSeconds *int          `json:"addSeconds,omitempty"`
	Duration   *int          `json:"duration,omitempty"`
}

// VideoPayload drives the intro/interlude video on the display screen.
type VideoPayload struct {
	Action   string   `json:"action"`
	URL      string   `json:"url,omitempty"`
	Position *float64 `json:"position,omitempty"`
}

// JudgePayload is a verdict from the judge console.
type JudgePayload struct {
	CorrectWord string `json:"correctWord"`
	TypedWord   string `json:"typedWord"`
	IsCorrect   bool   `json:"isCorrect"`
}
