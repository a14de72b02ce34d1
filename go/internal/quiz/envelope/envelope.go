package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the envelope discriminant
type Kind string

const (
	KindUpdate  Kind = "update"
	KindPause   Kind = "pause"
	KindEnd     Kind = "end"
	KindClear   Kind = "clear"
	KindSpeech  Kind = "speech"
	KindControl Kind = "control"
	KindVideo   Kind = "video"
	KindJudge   Kind = "judge"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindUpdate, KindPause, KindEnd, KindClear, KindSpeech, KindControl, KindVideo, KindJudge:
		return true
	}
	return false
}

// Envelope is a tagged message exchanged between screens. Exactly one payload
// pointer matching Type is populated; clear carries none. SelectedEntries may
// ride along with any kind.
type Envelope struct {
	Type    Kind
	Update  *UpdatePayload
	Pause   *PausePayload
	End     *EndPayload
	Speech  *SpeechPayload
	Control *ControlPayload
	Video   *VideoPayload
	Judge   *JudgePayload

	SelectedEntries []Word
}

// Entry is the unit carried by both transports: a producer-assigned key, the
// room it was published in, the envelope and the time it was stored.
type Entry struct {
	Key        string    `json:"key"`
	Room       string    `json:"room,omitempty"`
	Payload    Envelope  `json:"data"`
	InsertedAt time.Time `json:"insertedAt"`
}

func NewUpdate(p UpdatePayload) Envelope { return Envelope{Type: KindUpdate, Update: &p} }

func NewPause(p PausePayload) Envelope { return Envelope{Type: KindPause, Pause: &p} }

// NewEnd builds an end envelope. Pass an empty word for an operator abort.
func NewEnd(word string) Envelope { return Envelope{Type: KindEnd, End: &EndPayload{Word: word}} }

func NewClear() Envelope { return Envelope{Type: KindClear} }

func NewSpeech(secondsLeft int, shouldSpeak bool) Envelope {
	return Envelope{Type: KindSpeech, Speech: &SpeechPayload{SecondsLeft: secondsLeft, ShouldSpeak: shouldSpeak}}
}

func NewControl(p ControlPayload) Envelope { return Envelope{Type: KindControl, Control: &p} }

func NewVideo(p VideoPayload) Envelope { return Envelope{Type: KindVideo, Video: &p} }

func NewJudge(p JudgePayload) Envelope { return Envelope{Type: KindJudge, Judge: &p} }

// payload returns the populated payload for e.Type, or nil.
func (e Envelope) payload() any {
	switch e.Type {
	case KindUpdate:
		if e.Update != nil {
			return e.Update
		}
	case KindPause:
		if e.Pause != nil {
			return e.Pause
		}
	case KindEnd:
		if e.End != nil {
			return e.End
		}
	case KindSpeech:
		if e.Speech != nil {
			return e.Speech
		}
	case KindControl:
		if e.Control != nil {
			return e.Control
		}
	case KindVideo:
		if e.Video != nil {
			return e.Video
		}
	case KindJudge:
		if e.Judge != nil {
			return e.Judge
		}
	}
	return nil
}

func (e Envelope) populated() int {
	n := 0
	for _, set := range []bool{
		e.Update != nil, e.Pause != nil, e.End != nil, e.Speech != nil,
		e.Control != nil, e.Video != nil, e.Judge != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Validate checks that exactly one payload is set and that it matches Type.
func (e Envelope) Validate() error {
	if e.Type == "" {
		return ErrMissingType
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Type)
	}

	n := e.populated()
	if e.Type == KindClear {
		if n != 0 {
			return fmt.Errorf("%w: clear must not carry a payload", ErrInvalidEnvelope)
		}
		return nil
	}
	if n != 1 || e.payload() == nil {
		return fmt.Errorf("%w: %s needs exactly one matching payload, got %d", ErrInvalidEnvelope, e.Type, n)
	}
	if e.Type == KindControl && e.Control.Action == "" {
		return fmt.Errorf("%w: control action is required", ErrInvalidEnvelope)
	}
	return nil
}

type wireEnvelope struct {
	Type            Kind            `json:"type"`
	Data            json.RawMessage `json:"data,omitempty"`
	SelectedEntries json.RawMessage `json:"selectedEntries,omitempty"`
}

// MarshalJSON writes the {"type","data","selectedEntries"} wire form.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{Type: e.Type}
	if p := e.payload(); p != nil {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
		}
		w.Data = data
	}
	if len(e.SelectedEntries) > 0 {
		entries, err := json.Marshal(e.SelectedEntries)
		if err != nil {
			return nil, fmt.Errorf("marshal selected entries: %w", err)
		}
		w.SelectedEntries = entries
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form. See Decode for the leniency rules.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*e = decoded
	return nil
}

// Decode parses an envelope defensively. Only an unparsable document or a
// missing/unknown type is an error. A data field that is absent or does not
// match the kind leaves the payload nil, and selectedEntries is kept whenever
// it parses on its own.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if w.Type == "" {
		return Envelope{}, ErrMissingType
	}
	if !w.Type.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, w.Type)
	}

	e := Envelope{Type: w.Type}
	if hasValue(w.SelectedEntries) {
		var entries []Word
		if err := json.Unmarshal(w.SelectedEntries, &entries); err == nil {
			e.SelectedEntries = entries
		}
	}
	if !hasValue(w.Data) {
		return e, nil
	}

	switch w.Type {
	case KindUpdate:
		e.Update = decodeInto[UpdatePayload](w.Data)
	case KindPause:
		e.Pause = decodeInto[PausePayload](w.Data)
	case KindEnd:
		e.End = decodeInto[EndPayload](w.Data)
	case KindSpeech:
		e.Speech = decodeInto[SpeechPayload](w.Data)
	case KindControl:
		e.Control = decodeInto[ControlPayload](w.Data)
		if e.Control != nil && e.Control.Action == "" {
			e.Control = nil
		}
	case KindVideo:
		e.Video = decodeInto[VideoPayload](w.Data)
	case KindJudge:
		e.Judge = decodeInto[JudgePayload](w.Data)
	}
	return e, nil
}

func decodeInto[T any](data json.RawMessage) *T {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	return &v
}

func hasValue(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
