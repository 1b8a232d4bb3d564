package mtproto

import (
	"github.com/gotd/td/tg"

	kit "relaybot/internal/transport"
)

// botAPIID maps an MTProto peer onto the Bot API chat id convention the
// registry stores: users positive, basic groups negated, channels offset by
// -1000000000000.
func botAPIID(p tg.InputPeerClass) int64 {
	switch v := p.(type) {
	case *tg.InputPeerUser:
		return v.UserID
	case *tg.InputPeerChat:
		return -v.ChatID
	case *tg.InputPeerChannel:
		return -(v.ChannelID + 1000000000000)
	}
	return 0
}

// kindOf classifies a raw message the same way the Bot API adapter tags its
// updates, so the relay paths see one vocabulary regardless of transport.
func kindOf(m *tg.Message) kit.Kind {
	media, ok := m.GetMedia()
	if !ok {
		if m.Message != "" {
			return kit.KindText
		}
		return kit.KindUnknown
	}
	switch md := media.(type) {
	case *tg.MessageMediaPhoto:
		return kit.KindPhoto
	case *tg.MessageMediaGeo, *tg.MessageMediaGeoLive, *tg.MessageMediaVenue:
		return kit.KindLocation
	case *tg.MessageMediaContact:
		return kit.KindContact
	case *tg.MessageMediaPoll:
		return kit.KindPoll
	case *tg.MessageMediaDocument:
		docClass, ok := md.GetDocument()
		if !ok {
			return kit.KindDocument
		}
		doc, ok := docClass.AsNotEmpty()
		if !ok {
			return kit.KindDocument
		}
		return documentKind(doc)
	}
	return kit.KindUnknown
}

// documentKind refines a document by its attributes. GIFs carry both video
// and animated attributes; animated wins.
func documentKind(doc *tg.Document) kit.Kind {
	video := false
	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeAnimated:
			return kit.KindAnimation
		case *tg.DocumentAttributeSticker:
			return kit.KindSticker
		case *tg.DocumentAttributeAudio:
			if a.Voice {
				return kit.KindVoice
			}
			return kit.KindAudio
		case *tg.DocumentAttributeVideo:
			video = true
		}
	}
	if video {
		return kit.KindVideo
	}
	return kit.KindDocument
}
