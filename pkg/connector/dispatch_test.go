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
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/altagents/matrix-connector/pkg/runtime"
)

type sentMessage struct {
	roomID  id.RoomID
	content *event.MessageEventContent
}

type fakeClient struct {
	own        id.UserID
	state      map[id.RoomID]RoomStateMap
	stateErr   error
	members    map[id.RoomID]map[id.UserID]mautrix.JoinedMember
	membersErr error
	directs    map[id.UserID][]id.RoomID
	directsErr error
	names      map[id.UserID]string
	resolveURL string

	sent       []sentMessage
	joinCalls  []id.RoomID
	leaveCalls []id.RoomID
	roomList   []id.RoomID
}

var _ ProtocolClient = (*fakeClient)(nil)

func (fc *fakeClient) OwnIdentity() id.UserID {
	return fc.own
}

func (fc *fakeClient) RoomState(ctx context.Context, roomID id.RoomID) (RoomStateMap, error) {
	if fc.stateErr != nil {
		return nil, fc.stateErr
	}
	if state, ok := fc.state[roomID]; ok {
		return state, nil
	}
	return RoomStateMap{}, nil
}

func (fc *fakeClient) JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]mautrix.JoinedMember, error) {
	if fc.membersErr != nil {
		return nil, fc.membersErr
	}
	if members, ok := fc.members[roomID]; ok {
		return members, nil
	}
	return map[id.UserID]mautrix.JoinedMember{}, nil
}

func (fc *fakeClient) DirectRooms(ctx context.Context) (map[id.UserID][]id.RoomID, error) {
	if fc.directsErr != nil {
		return nil, fc.directsErr
	}
	return fc.directs, nil
}

func (fc *fakeClient) DisplayName(ctx context.Context, userID id.UserID) (string, error) {
	name, ok := fc.names[userID]
	if !ok {
		return "", errors.New("profile not found")
	}
	return name, nil
}

func (fc *fakeClient) ResolveContentURL(uri id.ContentURIString) string {
	return fc.resolveURL
}

func (fc *fakeClient) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	fc.sent = append(fc.sent, sentMessage{roomID: roomID, content: content})
	return id.EventID(fmt.Sprintf("$sent-%d", len(fc.sent))), nil
}

func (fc *fakeClient) UploadContent(ctx context.Context, data []byte, fileName, mime string) (id.ContentURIString, error) {
	return "mxc://example.com/uploaded", nil
}

func (fc *fakeClient) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	fc.joinCalls = append(fc.joinCalls, roomID)
	return nil
}

func (fc *fakeClient) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	fc.leaveCalls = append(fc.leaveCalls, roomID)
	return nil
}

func (fc *fakeClient) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	return fc.roomList, nil
}

type emittedEvent struct {
	kinds   []runtime.EventKind
	payload *runtime.Payload
}

type emittedWorld struct {
	kinds   []runtime.EventKind
	payload *runtime.WorldPayload
}

type fakeSink struct {
	events      []emittedEvent
	worlds      []emittedWorld
	emitErr     error
	panicOnEmit bool
}

func (fs *fakeSink) Emit(ctx context.Context, kinds []runtime.EventKind, payload *runtime.Payload) error {
	if fs.panicOnEmit {
		panic("sink exploded")
	}
	fs.events = append(fs.events, emittedEvent{kinds: kinds, payload: payload})
	return fs.emitErr
}

func (fs *fakeSink) EmitWorld(ctx context.Context, kinds []runtime.EventKind, payload *runtime.WorldPayload) error {
	fs.worlds = append(fs.worlds, emittedWorld{kinds: kinds, payload: payload})
	return nil
}

func newTestDispatcher(client *fakeClient, sink *fakeSink, mutate func(*DispatcherParams)) *Dispatcher {
	params := DispatcherParams{
		Client:     client,
		AllowList:  NewAllowList(nil),
		Normalizer: NewNormalizer(NewMediaFetcher(client)),
		Rooms:      NewRoomContextResolver(client),
		Sink:       sink,
		Log:        zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&params)
	}
	return NewDispatcher(params)
}

func textEvent(sender id.UserID, roomID id.RoomID, body string) *event.Event {
	return &event.Event{
		ID:        "$evt",
		Sender:    sender,
		RoomID:    roomID,
		Timestamp: 1700000000000,
		Type:      event.EventMessage,
		Content: event.Content{
			Parsed: &event.MessageEventContent{
				MsgType: event.MsgText,
				Body:    body,
			},
		},
	}
}

func TestDispatcher_ForwardsTextMessage(t *testing.T) {
	client := &fakeClient{own: "@agent:example.com", names: map[id.UserID]string{"@user:example.com": "User"}}
	sink := &fakeSink{}
	d := newTestDispatcher(client, sink, nil)

	d.HandleMessage(context.Background(), textEvent("@user:example.com", "!room:example.com", "Hello"))

	require.Len(t, sink.events, 1)
	emitted := sink.events[0]
	assert.Equal(t, []runtime.EventKind{runtime.EventMessageReceived}, emitted.kinds)
	assert.Equal(t, "Hello", emitted.payload.Message.DisplayText)
	assert.EqualValues(t, "@user:example.com", emitted.payload.Message.Sender)
	assert.Equal(t, "matrix", emitted.payload.Source)
	require.NotNil(t, emitted.payload.Room)
	assert.EqualValues(t, "!room:example.com", emitted.payload.Room.ID)

	// The attached reply capability sends a threaded reply to the origin.
	require.NoError(t, emitted.payload.Reply(context.Background(), "Hi there"))
	require.Len(t, client.sent, 1)
	require.NotNil(t, client.sent[0].content.RelatesTo)
	assert.EqualValues(t, "$evt", client.sent[0].content.RelatesTo.InReplyTo.EventID)
}

func TestDispatcher_SuppressesOwnEcho(t *testing.T) {
	client := &fakeClient{own: "@agent:example.com"}
	sink := &fakeSink{}
	d := newTestDispatcher(client, sink, nil)

	d.HandleMessage(context.Background(), textEvent("@agent:example.com", "!room:example.com", "echo"))
	assert.Empty(t, sink.events)
}

func TestDispatcher_SuppressesDisallowedRoom(t *testing.T) {
	client := &fakeClient{own: "@agent:example.com"}
	sink := &fakeSink{}
	d := newTestDispatcher(client, sink, func(params *DispatcherParams) {
		params.AllowList = NewAllowList([]id.RoomID{"!allowed:example.com"})
	})

	d.HandleMessage(context.Background(), textEvent("@user:example.com", "!other:example.com", "hi"))
	assert.Empty(t, sink.events)

	d.HandleMessage(context.Background(), textEvent("@user:example.com", "!allowed:example.com", "hi"))
	assert.Len(t, sink.events, 1)
}

func TestDispatcher_SuppressesBotMarkedSender(t *testing.T) {
	client := &fakeClient{own: "@agent:example.com"}
	sink := &fakeSink{}
	d := newTestDispatcher(client, sink, func(params *DispatcherParams) {
		params.BotMarker = "bot"
	})

	d.HandleMessage(context.Background(), textEvent("@weatherbot:example.com", "!room:example.com", "automated notice"))
	assert.Empty(t, sink.events)

	// The marker only matches sender IDs, never message bodies.
	d.HandleMessage(context.Background(), textEvent("@user:example.com", "!room:example.com", "that bot is acting up"))
	require.Len(t, sink.events, 1)
	assert.Equal(t, "that bot is acting up", sink.events[0].payload.Message.DisplayText)
}

func TestDispatcher_SuppressesBotMarkedSenderOnEncrypted(t *testing.T) {
	client := &fakeClient{own: "@agent:example.com"}
	sink := &fakeSink{}
	d := newTestDispatcher(client, sink, func(params *DispatcherParams) {
		params.BotMarker = "bot"
	})

	d.HandleEncrypted(context.Background(), &event.Event{
		ID:        "$enc",
		Sender:    "@weatherbot:example.com",
		RoomID:    "!room:example.com",
		Timestamp: 1700000000000,
		Type:      event.EventEncrypted,
		Content:   event.Content{Raw: map[string]any{"algorithm": "m.megolm.v1.aes-sha2", "ciphertext": "opaque"}},
	})
	assert.Empty(t, sink.events)
}

func reactionEvent(sender id.UserID, roomID id.RoomID, relType event.RelationType, key string) *event.Event {
	return &event.Event{
		ID:        "$reaction",
		Sender:    sender,
		RoomID:    roomID,
		Timestamp: 1700000000000,
		Type:      event.EventReaction,
		Content: event.Content{
			Parsed: &event.ReactionEventContent{
				RelatesTo: event.RelatesTo{
					Type:    relType,
					EventID: "$target",
					Key:     key,
				},
			},
		},
	}
}

func TestDispatcher_ForwardsReaction(t *testing.T) {
	client := &fakeClient{own: "@agent:example.com"}
	sink := &fakeSink{}
	d := newTestDispatcher(client, sink, nil)

	d.HandleReaction(context.Background(), reactionEvent("@user:example.com", "!room:example.com", event.RelAnnotation, "👍️"))

	require.Len(t, sink.events, 1)
	emitted := sink.events[0]
	assert.Equal(t, []runtime.EventKind{runtime.EventReactionReceived}, emitted.kinds)
	assert.Equal(t, "*Reacted with 👍*", emitted.payload.Message.DisplayText)

	// Replies to reactions are not threaded.
	require.NoError(t, emitted.payload.Reply(context.Background(), "noted"))
	require.Len(t, client.sent, 1)
	assert.Nil(t, client.sent[0].content.RelatesTo)
}

func TestDispatcher_DropsNonAnnotationReaction(t *testing.T) {
	client := &fakeClient{own: "@agent:example.com"}
	sink := &fakeSink{}
	d := newTestDispatcher(client, sink, nil)

	d.HandleReaction(context.Background(), reactionEvent("@user:example.com", "!room:example.com", event.RelReference, "👍"))
	d.HandleReaction(context.Background(), reactionEvent("@user:example.com", "!room:example.com", event.RelAnnotation, ""))
	assert.Empty(t, sink.events)
}

func TestDispatcher_PanicIsolation(t *testing.T) {
	client := &fakeClient{own: "@agent:example.com"}
	sink := &fakeSink{panicOnEmit: true}
	d := newTestDispatcher(client, sink, nil)

	assert.NotPanics(t, func() {
		d.HandleMessage(context.Background(), textEvent("@user:example.com", "!room:example.com", "boom"))
	})

	// The next event still goes through.
	sink.panicOnEmit = false
	d.HandleMessage(context.Background(), textEvent("@user:example.com", "!room:example.com", "after"))
	require.Len(t, sink.events, 1)
	assert.Equal(t, "after", sink.events[0].payload.Message.DisplayText)
}

func memberEvent(sender id.UserID, roomID id.RoomID, target id.UserID, membership event.Membership) *event.Event {
	return &event.Event{
		ID:        "$member",
		Sender:    sender,
		RoomID:    roomID,
		Timestamp: 1700000000000,
		Type:      event.StateMember,
		StateKey:  ptr.Ptr(string(target)),
		Content: event.Content{
			Parsed: &event.MemberEventContent{Membership: membership},
		},
	}
}

func TestDispatcher_AutoJoinsInvite(t *testing.T) {
	client := &fakeClient{own: "@agent:example.com"}
	sink := &fakeSink{}
	allowList := NewAllowList([]id.RoomID{"!static:example.com"})
	d := newTestDispatcher(client, sink, func(params *DispatcherParams) {
		params.AllowList = allowList
		params.AutoJoinInvites = true
	})

	d.HandleMembership(context.Background(), memberEvent("@user:example.com", "!new:example.com", "@agent:example.com", event.MembershipInvite))

	assert.Equal(t, []id.RoomID{"!new:example.com"}, client.joinCalls)
	assert.True(t, allowList.IsAllowed("!new:example.com"))
}

func TestDispatcher_IgnoresInviteWhenDisabled(t *testing.T) {
	client := &fakeClient{own: "@agent:example.com"}
	sink := &fakeSink{}
	d := newTestDispatcher(client, sink, nil)

	d.HandleMembership(context.Background(), memberEvent("@user:example.com", "!new:example.com", "@agent:example.com", event.MembershipInvite))
	assert.Empty(t, client.joinCalls)
}

func TestDispatcher_IgnoresInviteFromUnapprovedInviter(t *testing.T) {
	client := &fakeClient{own: "@agent:example.com"}
	sink := &fakeSink{}
	d := newTestDispatcher(client, sink, func(params *DispatcherParams) {
		params.AutoJoinInvites = true
		params.AllowedInviters = []id.UserID{"@admin:example.com"}
	})

	d.HandleMembership(context.Background(), memberEvent("@stranger:example.com", "!new:example.com", "@agent:example.com", event.MembershipInvite))
	assert.Empty(t, client.joinCalls)

	d.HandleMembership(context.Background(), memberEvent("@admin:example.com", "!new:example.com", "@agent:example.com", event.MembershipInvite))
	assert.Equal(t, []id.RoomID{"!new:example.com"}, client.joinCalls)
}

func TestDispatcher_OwnMembershipLifecycle(t *testing.T) {
	client := &fakeClient{own: "@agent:example.com"}
	sink := &fakeSink{}
	allowList := NewAllowList(nil)
	d := newTestDispatcher(client, sink, func(params *DispatcherParams) {
		params.AllowList = allowList
	})

	d.HandleMembership(context.Background(), memberEvent("@agent:example.com", "!room:example.com", "@agent:example.com", event.MembershipJoin))
	require.Len(t, sink.worlds, 1)
	assert.Equal(t, []runtime.EventKind{runtime.EventWorldJoined}, sink.worlds[0].kinds)
	assert.EqualValues(t, "!room:example.com", sink.worlds[0].payload.World.ID)
	assert.EqualValues(t, "@agent:example.com", sink.worlds[0].payload.World.AgentID)

	d.HandleMembership(context.Background(), memberEvent("@agent:example.com", "!room:example.com", "@agent:example.com", event.MembershipLeave))
	require.Len(t, sink.worlds, 2)
	assert.Equal(t, []runtime.EventKind{runtime.EventWorldLeft}, sink.worlds[1].kinds)
}

func TestDispatcher_OtherUserMembership(t *testing.T) {
	client := &fakeClient{own: "@agent:example.com"}
	sink := &fakeSink{}
	d := newTestDispatcher(client, sink, nil)

	d.HandleMembership(context.Background(), memberEvent("@user:example.com", "!room:example.com", "@user:example.com", event.MembershipJoin))
	require.Len(t, sink.worlds, 1)
	assert.Equal(t, []runtime.EventKind{runtime.EventUserJoined}, sink.worlds[0].kinds)

	d.HandleMembership(context.Background(), memberEvent("@user:example.com", "!room:example.com", "@user:example.com", event.MembershipLeave))
	require.Len(t, sink.worlds, 2)
	assert.Equal(t, []runtime.EventKind{runtime.EventUserLeft}, sink.worlds[1].kinds)
}

func TestDispatcher_SinkErrorIsSwallowed(t *testing.T) {
	client := &fakeClient{own: "@agent:example.com"}
	sink := &fakeSink{emitErr: errors.New("runtime busy")}
	d := newTestDispatcher(client, sink, nil)

	assert.NotPanics(t, func() {
		d.HandleMessage(context.Background(), textEvent("@user:example.com", "!room:example.com", "hi"))
	})
}
