package bot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bryan-buckman/tabs/internal/model"
	"github.com/gotd/td/tg"
)

// convertEntities maps MTProto entities onto the Bot API names the web
// client renders. Unknown entity kinds are dropped.
func convertEntities(in []tg.MessageEntityClass) []model.Entity {
	if len(in) == 0 {
		return nil
	}
	out := make([]model.Entity, 0, len(in))
	for _, ent := range in {
		e := model.Entity{Offset: ent.GetOffset(), Length: ent.GetLength()}
		switch v := ent.(type) {
		case *tg.MessageEntityBold:
			e.Type = "bold"
		case *tg.MessageEntityItalic:
			e.Type = "italic"
		case *tg.MessageEntityUnderline:
			e.Type = "underline"
		case *tg.MessageEntityStrike:
			e.Type = "strikethrough"
		case *tg.MessageEntitySpoiler:
			e.Type = "spoiler"
		case *tg.MessageEntityCode:
			e.Type = "code"
		case *tg.MessageEntityPre:
			e.Type = "pre"
		case *tg.MessageEntityTextURL:
			e.Type = "text_link"
			e.URL = v.URL
		case *tg.MessageEntityURL:
			e.Type = "url"
		case *tg.MessageEntityMention:
			e.Type = "mention"
		case *tg.MessageEntityMentionName:
			e.Type = "text_mention"
		case *tg.MessageEntityHashtag:
			e.Type = "hashtag"
		case *tg.MessageEntityCashtag:
			e.Type = "cashtag"
		case *tg.MessageEntityBotCommand:
			e.Type = "bot_command"
		case *tg.MessageEntityEmail:
			e.Type = "email"
		case *tg.MessageEntityPhone:
			e.Type = "phone_number"
		case *tg.MessageEntityBlockquote:
			e.Type = "blockquote"
		case *tg.MessageEntityCustomEmoji:
			e.Type = "custom_emoji"
		default:
			continue
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// sourceURL builds the t.me link of a post forwarded from a channel.
// Public channels link by username, private ones through /c/.
func sourceURL(fwd tg.MessageFwdHeader, channels map[int64]*tg.Channel) string {
	from, ok := fwd.GetFromID()
	if !ok {
		return ""
	}
	peer, ok := from.(*tg.PeerChannel)
	if !ok {
		return ""
	}
	post, ok := fwd.GetChannelPost()
	if !ok {
		return ""
	}
	if ch, ok := channels[peer.ChannelID]; ok && ch.Username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", ch.Username, post)
	}
	return fmt.Sprintf("https://t.me/c/%d/%d", peer.ChannelID, post)
}

// mediaRef identifies a downloadable attachment.
type mediaRef struct {
	kind     model.MediaKind
	size     int64
	location tg.InputFileLocationClass
}

// attachment extracts the file behind a message's media, if any.
func attachment(media tg.MessageMediaClass) (*mediaRef, bool) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return nil, false
		}
		thumb, size := largestSize(photo.Sizes)
		if thumb == "" {
			return nil, false
		}
		return &mediaRef{
			kind: model.MediaPhoto,
			size: size,
			location: &tg.InputPhotoFileLocation{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
				ThumbSize:     thumb,
			},
		}, true
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return nil, false
		}
		return &mediaRef{
			kind: documentKind(doc),
			size: doc.Size,
			location: &tg.InputDocumentFileLocation{
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			},
		}, true
	default:
		return nil, false
	}
}

// largestSize picks the photo size with the most pixels.
func largestSize(sizes []tg.PhotoSizeClass) (string, int64) {
	var (
		bestType string
		bestArea int
		bestSize int64
	)
	for _, s := range sizes {
		var typ string
		var w, h, n int
		switch v := s.(type) {
		case *tg.PhotoSize:
			typ, w, h, n = v.Type, v.W, v.H, v.Size
		case *tg.PhotoSizeProgressive:
			typ, w, h = v.Type, v.W, v.H
			for _, p := range v.Sizes {
				if p > n {
					n = p
				}
			}
		default:
			continue
		}
		if area := w * h; area > bestArea {
			bestType, bestArea, bestSize = typ, area, int64(n)
		}
	}
	return bestType, bestSize
}

func documentKind(doc *tg.Document) model.MediaKind {
	for _, attr := range doc.Attributes {
		if _, ok := attr.(*tg.DocumentAttributeVideo); ok {
			return model.MediaVideo
		}
	}
	if strings.HasPrefix(doc.MimeType, "video/") {
		return model.MediaVideo
	}
	return model.MediaDocument
}

// groupID returns the album id of a message as text.
func groupID(msg *tg.Message) string {
	id, ok := msg.GetGroupedID()
	if !ok || id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

// startCommand reports whether text is /start and returns its payload.
func startCommand(text string) (payload string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false
	}
	cmd := fields[0]
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	if cmd != "/start" {
		return "", false
	}
	if len(fields) > 1 {
		payload = fields[1]
	}
	return payload, true
}
