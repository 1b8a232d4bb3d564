package telegram

import (
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "relaybot/internal/transport"
)

func TestFromTeleKinds(t *testing.T) {
	t.Parallel()

	chat := &tele.Chat{ID: -100123}

	tests := []struct {
		name string
		in   *tele.Message
		want kit.Kind
	}{
		{"text", &tele.Message{ID: 1, Chat: chat, Text: "hi"}, kit.KindText},
		{"photo", &tele.Message{ID: 2, Chat: chat, Photo: &tele.Photo{File: tele.File{FileID: "p"}}}, kit.KindPhoto},
		{"video", &tele.Message{ID: 3, Chat: chat, Video: &tele.Video{File: tele.File{FileID: "v"}}}, kit.KindVideo},
		{"animation", &tele.Message{ID: 4, Chat: chat, Animation: &tele.Animation{File: tele.File{FileID: "a"}}}, kit.KindAnimation},
		{"document", &tele.Message{ID: 5, Chat: chat, Document: &tele.Document{File: tele.File{FileID: "d"}, FileName: "f.bin"}}, kit.KindDocument},
		{"audio", &tele.Message{ID: 6, Chat: chat, Audio: &tele.Audio{File: tele.File{FileID: "au"}}}, kit.KindAudio},
		{"voice", &tele.Message{ID: 7, Chat: chat, Voice: &tele.Voice{File: tele.File{FileID: "vo"}}}, kit.KindVoice},
		{"sticker", &tele.Message{ID: 8, Chat: chat, Sticker: &tele.Sticker{File: tele.File{FileID: "s"}}}, kit.KindSticker},
		{"location", &tele.Message{ID: 9, Chat: chat, Location: &tele.Location{Lat: 1.5, Lng: -2.5}}, kit.KindLocation},
		{"contact", &tele.Message{ID: 10, Chat: chat, Contact: &tele.Contact{PhoneNumber: "+1", FirstName: "A"}}, kit.KindContact},
		{"poll", &tele.Message{ID: 11, Chat: chat, Poll: &tele.Poll{}}, kit.KindPoll},
		{"unknown", &tele.Message{ID: 12, Chat: chat}, kit.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := fromTele(tt.in)
			if got.Kind != tt.want {
				t.Fatalf("kind = %q, want %q", got.Kind, tt.want)
			}
			if got.ID != tt.in.ID {
				t.Fatalf("id = %d, want %d", got.ID, tt.in.ID)
			}
			if got.ChatID != chat.ID {
				t.Fatalf("chat id = %d, want %d", got.ChatID, chat.ID)
			}
		})
	}
}

func TestFromTeleAnimationBeforeDocument(t *testing.T) {
	t.Parallel()

	// Telegram sets both animation and document for GIFs; animation wins.
	m := &tele.Message{
		ID:        1,
		Chat:      &tele.Chat{ID: 1},
		Animation: &tele.Animation{File: tele.File{FileID: "anim"}},
		Document:  &tele.Document{File: tele.File{FileID: "doc"}},
	}
	got := fromTele(m)
	if got.Kind != kit.KindAnimation {
		t.Fatalf("kind = %q, want %q", got.Kind, kit.KindAnimation)
	}
	if got.Media == nil || got.Media.FileID != "anim" {
		t.Fatalf("media = %+v, want animation file id", got.Media)
	}
}

func TestFromTelePollForwardsByReference(t *testing.T) {
	t.Parallel()

	m := &tele.Message{ID: 42, Chat: &tele.Chat{ID: -100555}, Poll: &tele.Poll{}}
	got := fromTele(m)
	if got.Forward == nil {
		t.Fatal("poll message must carry a forward payload")
	}
	if got.Forward.FromChatID != -100555 || got.Forward.MessageID != 42 {
		t.Fatalf("forward payload = %+v", got.Forward)
	}
}

func TestFromTeleCaptionAndMeta(t *testing.T) {
	t.Parallel()

	m := &tele.Message{
		ID:       7,
		Chat:     &tele.Chat{ID: 9},
		Caption:  "look",
		Document: &tele.Document{File: tele.File{FileID: "d1"}, FileName: "r.pdf", MIME: "application/pdf"},
	}
	got := fromTele(m)
	if got.Media == nil {
		t.Fatal("media payload missing")
	}
	if got.Media.Caption != "look" || got.Media.FileName != "r.pdf" || got.Media.MIME != "application/pdf" {
		t.Fatalf("media payload = %+v", got.Media)
	}
}

func TestSendableRejectsMissingPayload(t *testing.T) {
	t.Parallel()

	if _, err := sendable(kit.Message{Kind: kit.KindPhoto}); err == nil {
		t.Fatal("expected error for photo without media payload")
	}
	if _, err := sendable(kit.Message{Kind: kit.KindLocation}); err == nil {
		t.Fatal("expected error for location without payload")
	}
}

func TestSendableUnsupportedKind(t *testing.T) {
	t.Parallel()

	_, err := sendable(kit.Message{Kind: kit.KindUnknown})
	if !errors.Is(err, kit.ErrUnsupportedKind) {
		t.Fatalf("err = %v, want ErrUnsupportedKind", err)
	}
}

func TestSendableBuildsTelebotObjects(t *testing.T) {
	t.Parallel()

	v, err := sendable(kit.Message{
		Kind:  kit.KindDocument,
		Media: &kit.MediaPayload{FileID: "d1", Caption: "c", FileName: "n.txt", MIME: "text/plain"},
	})
	if err != nil {
		t.Fatal(err)
	}
	doc, ok := v.(*tele.Document)
	if !ok {
		t.Fatalf("got %T, want *tele.Document", v)
	}
	if doc.FileID != "d1" || doc.Caption != "c" || doc.FileName != "n.txt" || doc.MIME != "text/plain" {
		t.Fatalf("document = %+v", doc)
	}

	v, err = sendable(kit.Message{Kind: kit.KindLocation, Location: &kit.LocationPayload{Lat: 10.5, Lng: -3.25}})
	if err != nil {
		t.Fatal(err)
	}
	loc, ok := v.(*tele.Location)
	if !ok {
		t.Fatalf("got %T, want *tele.Location", v)
	}
	if loc.Lat != 10.5 || loc.Lng != -3.25 {
		t.Fatalf("location = %+v", loc)
	}
}

func TestSplitTelegramTextShort(t *testing.T) {
	t.Parallel()

	got := splitTelegramText("hello", 4000)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("x", 50) + "\n" + strings.Repeat("y", 50)
	got := splitTelegramText(text, 60)
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2: %q", len(got), got)
	}
	if got[0] != strings.Repeat("x", 50) {
		t.Fatalf("first chunk = %q", got[0])
	}
	if got[1] != strings.Repeat("y", 50) {
		t.Fatalf("second chunk = %q", got[1])
	}
}

func TestSplitTelegramTextNoBoundary(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("a", 95)
	got := splitTelegramText(text, 50)
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2", len(got))
	}
	if len(got[0]) != 50 || len(got[1]) != 45 {
		t.Fatalf("lens = %d,%d", len(got[0]), len(got[1]))
	}

	// Every rune must survive the split.
	if strings.Join(got, "") != text {
		t.Fatal("split lost content")
	}
}
