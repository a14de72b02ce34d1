package gateway

import (
	"time"

	"github.com/mcdev12/spellingbee/go/internal/quiz/envelope"
	"github.com/mcdev12/spellingbee/go/internal/quiz/roomsync"
)

// Screen is the kind of page attached to a connection.
type Screen string

const (
	ScreenDisplay Screen = "display"
	ScreenManage  Screen = "manage"
	ScreenJudge   Screen = "judge"
	ScreenControl Screen = "control"
)

// ParseScreen maps a query value to a Screen. An empty value is a display.
func ParseScreen(s string) (Screen, bool) {
	switch Screen(s) {
	case "":
		return ScreenDisplay, true
	case ScreenDisplay, ScreenManage, ScreenJudge, ScreenControl:
		return Screen(s), true
	}
	return "", false
}

// EntryMessage is how a synced entry is pushed to screens.
type EntryMessage struct {
	Key        string            `json:"key"`
	Room       string            `json:"room"`
	InsertedAt time.Time         `json:"insertedAt"`
	Source     roomsync.Source   `json:"source"`
	Data       envelope.Envelope `json:"data"`
}

func NewEntryMessage(entry envelope.Entry, source roomsync.Source) EntryMessage {
	return EntryMessage{
		Key:        entry.Key,
		Room:       entry.Room,
		InsertedAt: entry.InsertedAt,
		Source:     source,
		Data:       entry.Payload,
	}
}

// RoomNotice tells screens which room the device is attached to.
type RoomNotice struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

func NewRoomNotice(room string) RoomNotice {
	return RoomNotice{Type: "room", Room: room}
}

// ErrorNotice is sent back to a screen whose message was rejected.
type ErrorNotice struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func NewErrorNotice(err error) ErrorNotice {
	return ErrorNotice{Type: "error", Error: err.Error()}
}
