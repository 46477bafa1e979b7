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

// Package runtime defines the boundary between the Matrix connector and the
// hosting agent runtime. The connector normalizes room events into these
// types and hands them to an EventSink; everything on the other side of the
// sink (memory, actions, model calls) is the runtime's business.
package runtime

import (
	"context"

	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type EventKind string

const (
	EventMessageReceived  EventKind = "MESSAGE_RECEIVED"
	EventReactionReceived EventKind = "REACTION_RECEIVED"
	EventWorldJoined      EventKind = "WORLD_JOINED"
	EventWorldLeft        EventKind = "WORLD_LEFT"
	EventUserJoined       EventKind = "USER_JOINED"
	EventUserLeft         EventKind = "USER_LEFT"
)

type ChannelKind string

const (
	ChannelDM    ChannelKind = "DM"
	ChannelGroup ChannelKind = "GROUP"
)

type AttachmentType string

const (
	AttachmentImage    AttachmentType = "IMAGE"
	AttachmentVideo    AttachmentType = "VIDEO"
	AttachmentAudio    AttachmentType = "AUDIO"
	AttachmentDocument AttachmentType = "DOCUMENT"
)

// RoomContext is a point-in-time snapshot of room metadata, derived fresh
// from room state and membership queries for every handled event.
type RoomContext struct {
	ID          id.RoomID
	DisplayName string
	Topic       string
	IsDirect    bool
	IsEncrypted bool
	MemberCount int
	AvatarURI   id.ContentURIString
}

// MediaAttachment is a fully downloaded, inlined piece of media. It is only
// ever created for successful downloads; a failed download is reported in
// the message display text instead.
type MediaAttachment struct {
	ID          string
	DataURI     string
	Title       string
	Source      id.ContentURIString
	Description string
	Type        AttachmentType
}

type MessageMetadata struct {
	OriginalKind string
	IsEncrypted  bool
	IsDecrypted  bool
	IsMedia      bool
	MediaURI     id.ContentURIString
	MimeType     string
	Size         int
}

// NormalizedMessage is the single internal representation every supported
// room event is reduced to before being emitted to the runtime.
type NormalizedMessage struct {
	ID          id.EventID
	Sender      id.UserID
	RoomID      id.RoomID
	CreatedAt   jsontime.UnixMilli
	DisplayText string
	Channel     ChannelKind
	Attachments []*MediaAttachment
	Metadata    MessageMetadata
}

// WorldDescriptor identifies a room-level conversation scope for the
// runtime's connection bookkeeping.
type WorldDescriptor struct {
	ID      id.RoomID
	Name    string
	AgentID id.UserID
	Source  string
}

// ReplyFunc routes agent-produced text back to the room the triggering
// event came from, in protocol-correct form (quoting, threading, chunking).
type ReplyFunc func(ctx context.Context, text string) error

// Payload accompanies message and reaction event kinds.
type Payload struct {
	Message  *NormalizedMessage
	Reply    ReplyFunc
	RawEvent *event.Event
	Room     *RoomContext
	Source   string
}

// WorldPayload accompanies lifecycle event kinds.
type WorldPayload struct {
	World  *WorldDescriptor
	Room   *RoomContext
	Source string
}

// EventSink is implemented by the hosting runtime. Emit is called once per
// forwarded event; errors are logged by the connector but never interrupt
// the event stream.
type EventSink interface {
	Emit(ctx context.Context, kinds []EventKind, payload *Payload) error
	EmitWorld(ctx context.Context, kinds []EventKind, payload *WorldPayload) error
}

// Settings exposes runtime-owned configuration to the connector.
type Settings interface {
	GetSetting(key string) string
}
