// matrix-connector - A Matrix event connector for conversational agent runtimes.
// Copyright (C) 2026 The matrix-connector authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/event"

	"github.com/altagents/matrix-connector/pkg/runtime"
)

// MessageKind is the closed set of message types the connector understands.
// Anything else is dropped before normalization.
type MessageKind int

const (
	KindText MessageKind = iota
	KindEmote
	KindNotice
	KindImage
	KindFile
	KindAudio
	KindVideo
)

func (mk MessageKind) String() string {
	switch mk {
	case KindText:
		return "text"
	case KindEmote:
		return "emote"
	case KindNotice:
		return "notice"
	case KindImage:
		return "image"
	case KindFile:
		return "file"
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return fmt.Sprintf("unknown(%d)", int(mk))
	}
}

func messageKindFromType(msgType event.MessageType) (MessageKind, bool) {
	switch msgType {
	case event.MsgText:
		return KindText, true
	case event.MsgEmote:
		return KindEmote, true
	case event.MsgNotice:
		return KindNotice, true
	case event.MsgImage:
		return KindImage, true
	case event.MsgFile:
		return KindFile, true
	case event.MsgAudio:
		return KindAudio, true
	case event.MsgVideo:
		return KindVideo, true
	default:
		return 0, false
	}
}

// User-visible marker strings. The failure wordings deliberately differ per
// failure class so the agent can tell "an image arrived but wasn't
// reachable" apart from "an image arrived with nothing to download".
const (
	EncryptedPlaceholder = "🔒 [Encrypted message - content not available]"

	imageDownloadedMarker  = "[Image downloaded and attached for analysis]"
	imageInaccessibleBadge = "[Warning: Image attached but could not be processed - it may not be accessible]"
	imageNoSourceBadge     = "[Warning: Image attached but could not be processed - no valid media type or source detected]"
)

// Normalizer turns raw room message events into NormalizedMessages. It
// never fails for a single malformed event beyond reporting the kind as
// unsupported; media problems degrade into display-text warnings.
type Normalizer struct {
	media *MediaFetcher
}

func NewNormalizer(media *MediaFetcher) *Normalizer {
	return &Normalizer{media: media}
}

// Normalize handles plaintext m.room.message events.
func (n *Normalizer) Normalize(ctx context.Context, evt *event.Event, room *runtime.RoomContext, senderName string) (*runtime.NormalizedMessage, error) {
	content := evt.Content.AsMessage()
	if content == nil {
		return nil, ErrUnsupportedEventKind
	}
	kind, ok := messageKindFromType(content.MsgType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEventKind, content.MsgType)
	}
	return n.build(ctx, evt, room, senderName, kind, content, false), nil
}

// NormalizeEncrypted handles m.room.encrypted events. When the envelope
// already carries readable content (a lower layer decrypted it in place,
// leaving msgtype and body on the event), the inner content runs through
// the same classification as plaintext, marked as decrypted. Otherwise the
// result is a fixed placeholder so the agent still learns that an encrypted
// message arrived.
func (n *Normalizer) NormalizeEncrypted(ctx context.Context, evt *event.Event, room *runtime.RoomContext, senderName string) (*runtime.NormalizedMessage, error) {
	content, err := decryptedInPlace(evt)
	if errors.Is(err, ErrDecryptionUnavailable) {
		msg := n.newMessage(evt, room)
		msg.DisplayText = EncryptedPlaceholder
		msg.Metadata = runtime.MessageMetadata{
			OriginalKind: evt.Type.Type,
			IsEncrypted:  true,
		}
		return msg, nil
	} else if err != nil {
		return nil, err
	}
	kind, ok := messageKindFromType(content.MsgType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEventKind, content.MsgType)
	}
	return n.build(ctx, evt, room, senderName, kind, content, true), nil
}

// decryptedInPlace extracts readable message content from an encrypted
// envelope, or ErrDecryptionUnavailable if the ciphertext is all we have.
func decryptedInPlace(evt *event.Event) (*event.MessageEventContent, error) {
	raw := evt.Content.Raw
	msgType, _ := raw["msgtype"].(string)
	body, _ := raw["body"].(string)
	if msgType == "" || body == "" {
		return nil, ErrDecryptionUnavailable
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to re-marshal decrypted content: %w", err)
	}
	var content event.MessageEventContent
	if err = json.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("failed to parse decrypted content: %w", err)
	}
	return &content, nil
}

func (n *Normalizer) newMessage(evt *event.Event, room *runtime.RoomContext) *runtime.NormalizedMessage {
	channel := runtime.ChannelGroup
	if room != nil && room.IsDirect {
		channel = runtime.ChannelDM
	}
	return &runtime.NormalizedMessage{
		ID:        evt.ID,
		Sender:    evt.Sender,
		RoomID:    evt.RoomID,
		CreatedAt: jsontime.UM(time.UnixMilli(evt.Timestamp)),
		Channel:   channel,
	}
}

// build is the single classification path shared by the plaintext and
// decrypted-in-place entry points; the two only differ in how they decided
// the content is readable.
func (n *Normalizer) build(ctx context.Context, evt *event.Event, room *runtime.RoomContext, senderName string, kind MessageKind, content *event.MessageEventContent, encrypted bool) *runtime.NormalizedMessage {
	msg := n.newMessage(evt, room)
	msg.Metadata = runtime.MessageMetadata{
		OriginalKind: string(content.MsgType),
		IsEncrypted:  encrypted,
		IsDecrypted:  encrypted,
	}

	var text string
	switch kind {
	case KindText:
		text = content.Body
	case KindEmote:
		text = fmt.Sprintf("*%s %s*", senderName, content.Body)
	case KindNotice:
		text = fmt.Sprintf("[Notice] %s", content.Body)
	case KindImage:
		text = n.formatImage(ctx, content, msg)
	case KindFile, KindAudio, KindVideo:
		text = formatMediaPlaceholder(kind, content, msg)
	}
	if encrypted {
		text = "🔒 " + text
	}
	msg.DisplayText = text
	return msg
}

var mediaKindDefaults = map[MessageKind]string{
	KindFile:  "File attachment",
	KindAudio: "Audio message",
	KindVideo: "Video message",
}

// formatMediaPlaceholder covers the media kinds that are announced but not
// downloaded (only images are fetched for the agent).
func formatMediaPlaceholder(kind MessageKind, content *event.MessageEventContent, msg *runtime.NormalizedMessage) string {
	body := content.Body
	if body == "" {
		body = mediaKindDefaults[kind]
	}
	msg.Metadata.IsMedia = true
	msg.Metadata.MediaURI = content.URL
	if content.Info != nil {
		msg.Metadata.MimeType = content.Info.MimeType
		msg.Metadata.Size = content.Info.Size
	}
	text := fmt.Sprintf("[%s] %s", strings.ToUpper(kind.String()), body)
	if content.URL != "" {
		text = fmt.Sprintf("%s (%s)", text, content.URL)
	}
	return text
}

// formatImage builds the image marker line, fetches the image for inlining
// and appends a per-outcome status line. Fetch failures never propagate;
// they become part of the display text.
func (n *Normalizer) formatImage(ctx context.Context, content *event.MessageEventContent, msg *runtime.NormalizedMessage) string {
	fileName := content.FileName
	if fileName == "" {
		fileName = content.Body
	}
	if fileName == "" {
		fileName = "image"
	}
	header := fmt.Sprintf("📷 IMAGE ATTACHED: %s", fileName)
	var declaredMime string
	var size int
	if content.Info != nil {
		declaredMime = content.Info.MimeType
		size = content.Info.Size
		if content.Info.Width > 0 && content.Info.Height > 0 {
			header += fmt.Sprintf(" (%dx%d)", content.Info.Width, content.Info.Height)
		}
		if size > 0 {
			header += fmt.Sprintf(" [%dKB]", size/1024)
		}
	}
	caption := content.Body
	if caption == "" || caption == fileName {
		caption = "Shared an image"
	}
	mime := resolveImageMime(declaredMime, fileName)
	msg.Metadata.IsMedia = true
	msg.Metadata.MediaURI = content.URL
	msg.Metadata.MimeType = mime
	msg.Metadata.Size = size

	lines := []string{header, caption}
	if content.URL == "" {
		lines = append(lines, imageNoSourceBadge)
		return strings.Join(lines, "\n")
	}
	attachment, err := n.media.Fetch(ctx, content.URL, mime, fileName)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("mxc_uri", string(content.URL)).
			Str("file_name", fileName).
			Msg("Failed to fetch image for inlining")
		if errors.Is(err, ErrUnresolvableLocator) {
			lines = append(lines, imageNoSourceBadge)
		} else {
			lines = append(lines, imageInaccessibleBadge)
		}
		return strings.Join(lines, "\n")
	}
	msg.Attachments = []*runtime.MediaAttachment{attachment}
	lines = append(lines, imageDownloadedMarker)
	return strings.Join(lines, "\n")
}
