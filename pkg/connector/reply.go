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
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MaxMessageLength is the largest plain body sent in a single message.
// Longer replies are split into multiple messages that all carry the same
// reply relation.
const MaxMessageLength = 4096

// ReplyIntent is one outbound message of a (possibly multi-part) reply.
type ReplyIntent struct {
	PlainBody  string
	HTMLBody   string
	RelatesTo  id.EventID
	ChunkIndex int
	ChunkCount int
}

// FormatReply builds the ordered list of messages needed to deliver
// replyText as a threaded reply to the given original event. The plain body
// quotes the original in the `> <sender> body` fallback form. When the
// sender's display name is known, the first part additionally carries an
// HTML-escaped rich reply body; with no display name the HTML variant is
// omitted entirely.
func FormatReply(originalSender id.UserID, senderName, originalBody string, originalID id.EventID, replyText string) []*ReplyIntent {
	full := fmt.Sprintf("> <%s> %s\n\n%s", originalSender, originalBody, replyText)
	chunks := chunkBody(full, MaxMessageLength)
	var htmlBody string
	if senderName != "" {
		htmlBody = fmt.Sprintf(
			`<mx-reply><blockquote>In reply to <a href="https://matrix.to/#/%s">%s</a><br/>%s</blockquote></mx-reply>%s`,
			originalSender,
			event.TextToHTML(senderName),
			event.TextToHTML(originalBody),
			event.TextToHTML(replyText),
		)
	}
	intents := make([]*ReplyIntent, len(chunks))
	for i, chunk := range chunks {
		intents[i] = &ReplyIntent{
			PlainBody:  chunk,
			RelatesTo:  originalID,
			ChunkIndex: i,
			ChunkCount: len(chunks),
		}
	}
	// Rich reply markup is only attached to the first part, the rest of the
	// chunks read as its continuation in the thread.
	if len(intents) > 0 {
		intents[0].HTMLBody = htmlBody
	}
	return intents
}

// chunkBody splits body into segments of at most limit bytes, preferring
// line boundaries. A single line longer than the limit is hard-split at the
// character boundary.
func chunkBody(body string, limit int) []string {
	if len(body) <= limit {
		return []string{body}
	}
	var chunks []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}
	for _, line := range strings.Split(body, "\n") {
		for {
			sep := 0
			if current.Len() > 0 {
				sep = 1
			}
			if current.Len()+sep+len(line) <= limit {
				if sep == 1 {
					current.WriteByte('\n')
				}
				current.WriteString(line)
				break
			}
			space := limit - current.Len() - sep
			// Hard splits must not land inside a multi-byte rune.
			for space > 0 && space < len(line) && !utf8.RuneStart(line[space]) {
				space--
			}
			if space <= 0 {
				flush()
				continue
			}
			if sep == 1 {
				current.WriteByte('\n')
			}
			current.WriteString(line[:space])
			line = line[space:]
			flush()
		}
	}
	flush()
	return chunks
}

// ReplySender is the reply capability handed to the runtime alongside each
// forwarded event. It captures exactly the per-event context needed to
// route agent text back to the origin room: the room, the original event id
// and its sender. Replies to reactions are sent as plain unthreaded text
// since a reaction is not a quotable original.
type ReplySender struct {
	client     ProtocolClient
	roomID     id.RoomID
	eventID    id.EventID
	sender     id.UserID
	senderName string
	body       string
	unthreaded bool
}

// Send delivers text to the origin room. Multi-part replies are sent
// strictly in order, each part awaited before the next, so the reply reads
// coherently on the receiving side.
func (rs *ReplySender) Send(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	if rs.unthreaded {
		_, err := rs.client.SendMessage(ctx, rs.roomID, &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    text,
		})
		return err
	}
	intents := FormatReply(rs.sender, rs.senderName, rs.body, rs.eventID, text)
	for _, intent := range intents {
		content := &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    intent.PlainBody,
			RelatesTo: &event.RelatesTo{
				InReplyTo: &event.InReplyTo{EventID: intent.RelatesTo},
			},
		}
		if intent.HTMLBody != "" {
			content.Format = event.FormatHTML
			content.FormattedBody = intent.HTMLBody
		}
		if _, err := rs.client.SendMessage(ctx, rs.roomID, content); err != nil {
			return fmt.Errorf("failed to send reply part %d/%d: %w", intent.ChunkIndex+1, intent.ChunkCount, err)
		}
	}
	if len(intents) > 1 {
		zerolog.Ctx(ctx).Debug().
			Int("parts", len(intents)).
			Str("reply_to", rs.eventID.String()).
			Msg("Sent multi-part reply")
	}
	return nil
}
