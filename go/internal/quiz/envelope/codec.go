package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/msgpack"
)

// Codec serializes entries for a replicated log backend.
type Codec interface {
	Name() string
	ContentType() string
	Marshal(entry Entry) ([]byte, error)
	Unmarshal(data []byte) (Entry, error)
}

// CodecByName returns the codec configured as "json" or "msgpack".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// CodecFor returns the codec for a content type. An empty content type is JSON.
func CodecFor(contentType string) (Codec, error) {
	switch contentType {
	case "", ContentTypeJSON:
		return JSONCodec{}, nil
	case ContentTypeMsgpack:
		return MsgpackCodec{}, nil
	}
	return nil, fmt.Errorf("%w: content type %q", ErrUnknownCodec, contentType)
}

// JSONCodec is the default codec and the format spoken by browser screens.
type JSONCodec struct{}

func (JSONCodec) Name() string        { return "json" }
func (JSONCodec) ContentType() string { return ContentTypeJSON }

func (JSONCodec) Marshal(entry Entry) ([]byte, error) {
	return json.Marshal(entry)
}

func (JSONCodec) Unmarshal(data []byte) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode json entry: %w", err)
	}
	return entry, nil
}

// MsgpackCodec trades readability for smaller log payloads. Payload structs
// are reused through their json tags.
type MsgpackCodec struct{}

type msgpackEntry struct {
	Key             string          `json:"key"`
	Room            string          `json:"room,omitempty"`
	InsertedAt      time.Time       `json:"insertedAt"`
	Type            Kind            `json:"type"`
	Update          *UpdatePayload  `json:"update,omitempty"`
	Pause           *PausePayload   `json:"pause,omitempty"`
	End             *EndPayload     `json:"end,omitempty"`
	Speech          *SpeechPayload  `json:"speech,omitempty"`
	Control         *ControlPayload `json:"control,omitempty"`
	Video           *VideoPayload   `json:"video,omitempty"`
	Judge           *JudgePayload   `json:"judge,omitempty"`
	SelectedEntries []Word          `json:"selectedEntries,omitempty"`
}

func (MsgpackCodec) Name() string        { return "msgpack" }
func (MsgpackCodec) ContentType() string { return ContentTypeMsgpack }

func (MsgpackCodec) Marshal(entry Entry) ([]byte, error) {
	env := entry.Payload
	m := msgpackEntry{
		Key:             entry.Key,
		Room:            entry.Room,
		InsertedAt:      entry.InsertedAt,
		Type:            env.Type,
		Update:          env.Update,
		Pause:           env.Pause,
		End:             env.End,
		Speech:          env.Speech,
		Control:         env.Control,
		Video:           env.Video,
		Judge:           env.Judge,
		SelectedEntries: env.SelectedEntries,
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(&m); err != nil {
		return nil, fmt.Errorf("encode msgpack entry: %w", err)
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Unmarshal(data []byte) (Entry, error) {
	var m msgpackEntry
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(&m); err != nil {
		return Entry{}, fmt.Errorf("decode msgpack entry: %w", err)
	}
	if !m.Type.Valid() {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownKind, m.Type)
	}

	return Entry{
		Key:        m.Key,
		Room:       m.Room,
		InsertedAt: m.InsertedAt,
		Payload: Envelope{
			Type:            m.Type,
			Update:          m.Update,
			Pause:           m.Pause,
			End:             m.End,
			Speech:          m.Speech,
			Control:         m.Control,
			Video:           m.Video,
			Judge:           m.Judge,
			SelectedEntries: m.SelectedEntries,
		},
	}, nil
}
