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

	"github.com/gabriel-vasile/mimetype"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// SendText sends unprompted plain text to a room, splitting oversized
// bodies the same way replies are split. The returned event ID is the last
// part's.
func (mc *Connector) SendText(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	if mc.Client == nil {
		return "", errNotLoggedIn
	}
	var lastID id.EventID
	for _, chunk := range chunkBody(text, MaxMessageLength) {
		eventID, err := mc.Client.SendMessage(ctx, roomID, &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    chunk,
		})
		if err != nil {
			return "", err
		}
		lastID = eventID
	}
	return lastID, nil
}

// UploadFile uploads data to the media repo and sends it to the room with a
// message type matching the detected mime class.
func (mc *Connector) UploadFile(ctx context.Context, roomID id.RoomID, fileName string, data []byte) (id.EventID, error) {
	if mc.Client == nil {
		return "", errNotLoggedIn
	}
	mime := mimetype.Detect(data).String()
	uri, err := mc.Client.UploadContent(ctx, data, fileName, mime)
	if err != nil {
		return "", fmt.Errorf("failed to upload media: %w", err)
	}
	return mc.Client.SendMessage(ctx, roomID, &event.MessageEventContent{
		MsgType: msgTypeForMime(mime),
		Body:    fileName,
		URL:     uri,
		Info: &event.FileInfo{
			MimeType: mime,
			Size:     len(data),
		},
	})
}

func msgTypeForMime(mime string) event.MessageType {
	switch strings.Split(mime, "/")[0] {
	case "image":
		return event.MsgImage
	case "video":
		return event.MsgVideo
	case "audio":
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}

// ListRooms returns the joined rooms events are currently forwarded from.
func (mc *Connector) ListRooms(ctx context.Context) ([]id.RoomID, error) {
	if mc.Client == nil {
		return nil, errNotLoggedIn
	}
	joined, err := mc.Client.JoinedRooms(ctx)
	if err != nil {
		return nil, err
	}
	rooms := joined[:0]
	for _, roomID := range joined {
		if mc.AllowList.IsAllowed(roomID) {
			rooms = append(rooms, roomID)
		}
	}
	return rooms, nil
}

// JoinRoom joins a room on behalf of the agent and allows it dynamically,
// persisting the grant across restarts.
func (mc *Connector) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	if mc.Client == nil {
		return errNotLoggedIn
	}
	if err := mc.Client.JoinRoom(ctx, roomID); err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}
	mc.AllowList.AddDynamic(roomID)
	if err := mc.DB.AllowedRoom.Put(ctx, roomID); err != nil {
		return fmt.Errorf("failed to persist allowed room: %w", err)
	}
	return nil
}

// LeaveRoom leaves a room and revokes its dynamic grant. A room also listed
// in the static config stays allowed.
func (mc *Connector) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	if mc.Client == nil {
		return errNotLoggedIn
	}
	if err := mc.Client.LeaveRoom(ctx, roomID); err != nil {
		return fmt.Errorf("failed to leave room: %w", err)
	}
	mc.AllowList.RemoveDynamic(roomID)
	if err := mc.DB.AllowedRoom.Delete(ctx, roomID); err != nil {
		return fmt.Errorf("failed to remove persisted allowed room: %w", err)
	}
	return nil
}
