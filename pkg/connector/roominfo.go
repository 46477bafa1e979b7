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

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/altagents/matrix-connector/pkg/runtime"
)

// RoomContextResolver derives a fresh RoomContext per event from room state
// and membership queries. It never fails: on any underlying query error it
// degrades to a minimal context carrying just the room id, so one flaky
// state fetch can't stop event processing.
type RoomContextResolver struct {
	client ProtocolClient
}

func NewRoomContextResolver(client ProtocolClient) *RoomContextResolver {
	return &RoomContextResolver{client: client}
}

func (rcr *RoomContextResolver) Resolve(ctx context.Context, roomID id.RoomID) *runtime.RoomContext {
	log := zerolog.Ctx(ctx)
	rctx := &runtime.RoomContext{ID: roomID}
	state, err := rcr.client.RoomState(ctx, roomID)
	if err != nil {
		log.Warn().Err(err).
			Stringer("room_id", roomID).
			Msg("Failed to fetch room state, using minimal room context")
		return rctx
	}
	if evt := stateEvent(state, event.StateRoomName); evt != nil {
		if content, ok := evt.Content.Parsed.(*event.RoomNameEventContent); ok {
			rctx.DisplayName = content.Name
		}
	}
	if evt := stateEvent(state, event.StateTopic); evt != nil {
		if content, ok := evt.Content.Parsed.(*event.TopicEventContent); ok {
			rctx.Topic = content.Topic
		}
	}
	if evt := stateEvent(state, event.StateRoomAvatar); evt != nil {
		if content, ok := evt.Content.Parsed.(*event.RoomAvatarEventContent); ok {
			rctx.AvatarURI = content.URL
		}
	}
	rctx.IsEncrypted = stateEvent(state, event.StateEncryption) != nil

	members, err := rcr.client.JoinedMembers(ctx, roomID)
	if err != nil {
		log.Warn().Err(err).
			Stringer("room_id", roomID).
			Msg("Failed to fetch room members, member count unknown")
		return rctx
	}
	rctx.MemberCount = len(members)
	rctx.IsDirect = rcr.isDirect(ctx, roomID, rctx.MemberCount)
	return rctx
}

// isDirect classifies two-member rooms using the account's m.direct data,
// falling back to the member-count heuristic when that data is not
// readable. Rooms with any other member count are never direct.
func (rcr *RoomContextResolver) isDirect(ctx context.Context, roomID id.RoomID, memberCount int) bool {
	if memberCount != 2 {
		return false
	}
	directRooms, err := rcr.client.DirectRooms(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).
			Stringer("room_id", roomID).
			Msg("Failed to fetch direct chat list, assuming two-member room is direct")
		return true
	}
	for _, rooms := range directRooms {
		if slices.Contains(rooms, roomID) {
			return true
		}
	}
	return false
}

func stateEvent(state RoomStateMap, evtType event.Type) *event.Event {
	evts, ok := state[evtType]
	if !ok {
		return nil
	}
	return evts[""]
}
