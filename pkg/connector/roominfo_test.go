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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func roomState(name, topic string, encrypted bool) RoomStateMap {
	state := RoomStateMap{}
	if name != "" {
		state[event.StateRoomName] = map[string]*event.Event{
			"": {Content: event.Content{Parsed: &event.RoomNameEventContent{Name: name}}},
		}
	}
	if topic != "" {
		state[event.StateTopic] = map[string]*event.Event{
			"": {Content: event.Content{Parsed: &event.TopicEventContent{Topic: topic}}},
		}
	}
	if encrypted {
		state[event.StateEncryption] = map[string]*event.Event{
			"": {Content: event.Content{Parsed: &event.EncryptionEventContent{Algorithm: id.AlgorithmMegolmV1}}},
		}
	}
	return state
}

func withAvatar(state RoomStateMap, url id.ContentURIString) RoomStateMap {
	state[event.StateRoomAvatar] = map[string]*event.Event{
		"": {Content: event.Content{Parsed: &event.RoomAvatarEventContent{URL: url}}},
	}
	return state
}

func membersOf(userIDs ...id.UserID) map[id.UserID]mautrix.JoinedMember {
	members := make(map[id.UserID]mautrix.JoinedMember, len(userIDs))
	for _, userID := range userIDs {
		members[userID] = mautrix.JoinedMember{}
	}
	return members
}

func TestRoomContextResolver_FullState(t *testing.T) {
	client := &fakeClient{
		own: "@agent:example.com",
		state: map[id.RoomID]RoomStateMap{
			"!room:example.com": withAvatar(roomState("Ops Room", "On-call chatter", true), "mxc://example.com/avatar"),
		},
		members: map[id.RoomID]map[id.UserID]mautrix.JoinedMember{
			"!room:example.com": membersOf("@agent:example.com", "@a:example.com", "@b:example.com"),
		},
	}
	rcr := NewRoomContextResolver(client)
	rctx := rcr.Resolve(context.Background(), "!room:example.com")
	assert.EqualValues(t, "!room:example.com", rctx.ID)
	assert.Equal(t, "Ops Room", rctx.DisplayName)
	assert.Equal(t, "On-call chatter", rctx.Topic)
	assert.True(t, rctx.IsEncrypted)
	assert.EqualValues(t, "mxc://example.com/avatar", rctx.AvatarURI)
	assert.Equal(t, 3, rctx.MemberCount)
	assert.False(t, rctx.IsDirect)
}

func TestRoomContextResolver_DirectRoom(t *testing.T) {
	client := &fakeClient{
		own: "@agent:example.com",
		members: map[id.RoomID]map[id.UserID]mautrix.JoinedMember{
			"!dm:example.com": membersOf("@agent:example.com", "@user:example.com"),
		},
		directs: map[id.UserID][]id.RoomID{
			"@user:example.com": {"!dm:example.com"},
		},
	}
	rcr := NewRoomContextResolver(client)
	rctx := rcr.Resolve(context.Background(), "!dm:example.com")
	assert.True(t, rctx.IsDirect)
	assert.Equal(t, 2, rctx.MemberCount)
}

func TestRoomContextResolver_TwoMemberRoomNotMarkedDirect(t *testing.T) {
	client := &fakeClient{
		own: "@agent:example.com",
		members: map[id.RoomID]map[id.UserID]mautrix.JoinedMember{
			"!room:example.com": membersOf("@agent:example.com", "@user:example.com"),
		},
		directs: map[id.UserID][]id.RoomID{
			"@user:example.com": {"!other:example.com"},
		},
	}
	rcr := NewRoomContextResolver(client)
	rctx := rcr.Resolve(context.Background(), "!room:example.com")
	assert.False(t, rctx.IsDirect)
}

func TestRoomContextResolver_DirectFallbackOnError(t *testing.T) {
	client := &fakeClient{
		own: "@agent:example.com",
		members: map[id.RoomID]map[id.UserID]mautrix.JoinedMember{
			"!dm:example.com": membersOf("@agent:example.com", "@user:example.com"),
		},
		directsErr: errors.New("account data unavailable"),
	}
	rcr := NewRoomContextResolver(client)
	rctx := rcr.Resolve(context.Background(), "!dm:example.com")
	assert.True(t, rctx.IsDirect)
}

func TestRoomContextResolver_NeverFails(t *testing.T) {
	client := &fakeClient{
		own:      "@agent:example.com",
		stateErr: errors.New("server unreachable"),
	}
	rcr := NewRoomContextResolver(client)
	rctx := rcr.Resolve(context.Background(), "!room:example.com")
	assert.EqualValues(t, "!room:example.com", rctx.ID)
	assert.Empty(t, rctx.DisplayName)
	assert.Zero(t, rctx.MemberCount)
	assert.False(t, rctx.IsDirect)
}

func TestRoomContextResolver_MembersErrorDegrades(t *testing.T) {
	client := &fakeClient{
		own: "@agent:example.com",
		state: map[id.RoomID]RoomStateMap{
			"!room:example.com": roomState("Named", "", false),
		},
		membersErr: errors.New("federation timeout"),
	}
	rcr := NewRoomContextResolver(client)
	rctx := rcr.Resolve(context.Background(), "!room:example.com")
	assert.Equal(t, "Named", rctx.DisplayName)
	assert.Zero(t, rctx.MemberCount)
	assert.False(t, rctx.IsDirect)
}
