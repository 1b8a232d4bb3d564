package transport

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupportedKind is returned by Deliver for kinds the adapter cannot
// re-send. The relay paths ledger these as failed attempts and move on.
var ErrUnsupportedKind = errors.New("transport: unsupported message kind")

// Kind tags a relayable message payload.
type Kind string

const (
	KindText      Kind = "text"
	KindPhoto     Kind = "photo"
	KindVideo     Kind = "video"
	KindAnimation Kind = "animation"
	KindDocument  Kind = "document"
	KindAudio     Kind = "audio"
	KindVoice     Kind = "voice"
	KindSticker   Kind = "sticker"
	KindLocation  Kind = "location"
	KindContact   Kind = "contact"
	KindPoll      Kind = "poll"
	KindForward   Kind = "forward"
	KindUnknown   Kind = "unknown"
)

// Message is one relayable chat message as a tagged variant: Kind selects
// which payload pointer is set, and the relay loops never look inside the
// payload. Only the transport adapter dispatches on Kind.
//
// Payload mapping:
//   - KindText            -> Text
//   - media kinds         -> Media (photo, video, animation, document,
//     audio, voice, sticker)
//   - KindLocation        -> Location
//   - KindContact         -> Contact
//   - KindPoll            -> Forward (polls cannot be re-sent, only forwarded)
//   - KindForward         -> Forward
//   - KindUnknown         -> no payload
type Message struct {
	ID     int
	ChatID int64
	Kind   Kind
	At     time.Time

	Text     *TextPayload
	Media    *MediaPayload
	Location *LocationPayload
	Contact  *ContactPayload
	Forward  *ForwardPayload
}

type TextPayload struct {
	Text string
}

// MediaPayload re-sends server-side media by its transport file handle.
type MediaPayload struct {
	FileID   string
	Caption  string
	FileName string
	MIME     string
}

type LocationPayload struct {
	Lat float64
	Lng float64
}

type ContactPayload struct {
	PhoneNumber string
	FirstName   string
	LastName    string
}

// ForwardPayload relays a message by reference instead of by content.
// The backfill engine uses it for every historical delivery.
type ForwardPayload struct {
	FromChatID int64
	MessageID  int
}

// Sender delivers one message to a destination chat and returns the
// destination message id.
type Sender interface {
	Deliver(ctx context.Context, destChatID int64, msg Message) (int, error)
}

// EventSource streams live messages into out. Implementations must never
// block on a full channel: drop and count instead, the ledger makes a later
// re-delivery harmless.
type EventSource interface {
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error
}

// HistorySource lazily replays a chat's history strictly after afterID,
// oldest first, invoking fn per message. A non-nil error from fn stops the
// replay and is returned as-is.
//
// Only a privileged user-scoped client can list history; bot-scoped adapters
// do not implement this. A worker without a HistorySource treats its
// backfill as vacuously complete.
type HistorySource interface {
	Replay(ctx context.Context, chatID int64, afterID int, fn func(Message) error) error
}
