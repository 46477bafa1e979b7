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
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"go.mau.fi/util/variationselector"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/altagents/matrix-connector/pkg/runtime"
)

const eventSource = "matrix"

// AllowListStore persists dynamic allow-list changes across restarts.
type AllowListStore interface {
	PutAllowedRoom(ctx context.Context, roomID id.RoomID) error
	DeleteAllowedRoom(ctx context.Context, roomID id.RoomID) error
}

// Dispatcher routes incoming sync events to the runtime sink. Each event
// passes the suppression filters, gets a fresh room context and a reply
// capability, and is emitted on its own: a panic or error while handling one
// event never affects the next.
type Dispatcher struct {
	client     ProtocolClient
	allowList  *AllowList
	normalizer *Normalizer
	rooms      *RoomContextResolver
	sink       runtime.EventSink
	store      AllowListStore
	log        zerolog.Logger

	botMarker string
	autoJoin  bool
	inviters  map[id.UserID]struct{}
}

type DispatcherParams struct {
	Client     ProtocolClient
	AllowList  *AllowList
	Normalizer *Normalizer
	Rooms      *RoomContextResolver
	Sink       runtime.EventSink
	Store      AllowListStore
	Log        zerolog.Logger

	BotMarker       string
	AutoJoinInvites bool
	AllowedInviters []id.UserID
}

func NewDispatcher(params DispatcherParams) *Dispatcher {
	d := &Dispatcher{
		client:     params.Client,
		allowList:  params.AllowList,
		normalizer: params.Normalizer,
		rooms:      params.Rooms,
		sink:       params.Sink,
		store:      params.Store,
		log:        params.Log,
		botMarker:  params.BotMarker,
		autoJoin:   params.AutoJoinInvites,
	}
	if len(params.AllowedInviters) > 0 {
		d.inviters = make(map[id.UserID]struct{}, len(params.AllowedInviters))
		for _, userID := range params.AllowedInviters {
			d.inviters[userID] = struct{}{}
		}
	}
	return d
}

func (d *Dispatcher) HandleMessage(ctx context.Context, evt *event.Event) {
	d.dispatch(ctx, evt, func(ctx context.Context) error {
		return d.handleMessage(ctx, evt, false)
	})
}

func (d *Dispatcher) HandleEncrypted(ctx context.Context, evt *event.Event) {
	d.dispatch(ctx, evt, func(ctx context.Context) error {
		return d.handleMessage(ctx, evt, true)
	})
}

func (d *Dispatcher) HandleReaction(ctx context.Context, evt *event.Event) {
	d.dispatch(ctx, evt, d.handleReaction(evt))
}

func (d *Dispatcher) HandleMembership(ctx context.Context, evt *event.Event) {
	d.dispatch(ctx, evt, func(ctx context.Context) error {
		return d.handleMembership(ctx, evt)
	})
}

// dispatch wraps one event handler with contextual logging, panic recovery
// and error reporting. Errors and panics are logged and swallowed so the
// sync loop keeps flowing.
func (d *Dispatcher) dispatch(ctx context.Context, evt *event.Event, fn func(context.Context) error) {
	log := d.log.With().
		Stringer("event_id", evt.ID).
		Stringer("room_id", evt.RoomID).
		Stringer("sender", evt.Sender).
		Str("event_type", evt.Type.Type).
		Logger()
	ctx = log.WithContext(ctx)
	defer func() {
		if panicErr := recover(); panicErr != nil {
			logEvt := log.Error()
			if realErr, ok := panicErr.(error); ok {
				logEvt = logEvt.Err(realErr)
			} else {
				logEvt = logEvt.Any("error", panicErr)
			}
			logEvt.Bytes(zerolog.ErrorStackFieldName, debug.Stack()).
				Msg("Panic while handling event")
		}
	}()
	if err := fn(ctx); err != nil {
		log.Err(err).Msg("Failed to handle event")
	}
}

// suppressed applies the forwarding filters in order: the connector's own
// echoes, rooms outside the allow-list, then senders whose user ID carries
// the bot marker (other automation on the same homeserver).
func (d *Dispatcher) suppressed(ctx context.Context, evt *event.Event) bool {
	log := zerolog.Ctx(ctx)
	if evt.Sender == d.client.OwnIdentity() {
		return true
	}
	if !d.allowList.IsAllowed(evt.RoomID) {
		log.Trace().Msg("Dropping event from room outside allow-list")
		return true
	}
	if d.botMarker != "" && strings.Contains(evt.Sender.String(), d.botMarker) {
		log.Debug().Msg("Dropping event from bot-marked sender")
		return true
	}
	return false
}

func (d *Dispatcher) handleMessage(ctx context.Context, evt *event.Event, encrypted bool) error {
	if d.suppressed(ctx, evt) {
		return nil
	}
	body := ""
	if content := evt.Content.AsMessage(); content != nil {
		body = content.Body
	}
	room := d.rooms.Resolve(ctx, evt.RoomID)
	senderName := d.senderName(ctx, evt.Sender)
	normalizeName := senderName
	if normalizeName == "" {
		normalizeName = evt.Sender.String()
	}

	var msg *runtime.NormalizedMessage
	var err error
	if encrypted {
		msg, err = d.normalizer.NormalizeEncrypted(ctx, evt, room, normalizeName)
	} else {
		msg, err = d.normalizer.Normalize(ctx, evt, room, normalizeName)
	}
	if errors.Is(err, ErrUnsupportedEventKind) {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("Dropping unsupported message")
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to normalize message: %w", err)
	}

	quoteBody := body
	if quoteBody == "" {
		quoteBody = msg.DisplayText
	}
	replier := &ReplySender{
		client:     d.client,
		roomID:     evt.RoomID,
		eventID:    evt.ID,
		sender:     evt.Sender,
		senderName: senderName,
		body:       quoteBody,
	}
	return d.emit(ctx, runtime.EventMessageReceived, &runtime.Payload{
		Message:  msg,
		Reply:    replier.Send,
		RawEvent: evt,
		Room:     room,
		Source:   eventSource,
	})
}

// handleReaction forwards annotation reactions. Reactions without an
// annotation relation, a key and a target event are malformed and dropped.
func (d *Dispatcher) handleReaction(evt *event.Event) func(context.Context) error {
	return func(ctx context.Context) error {
		if d.suppressed(ctx, evt) {
			return nil
		}
		content := evt.Content.AsReaction()
		if content == nil ||
			content.RelatesTo.Type != event.RelAnnotation ||
			content.RelatesTo.Key == "" ||
			content.RelatesTo.EventID == "" {
			zerolog.Ctx(ctx).Debug().Msg("Dropping reaction without annotation key or target")
			return nil
		}
		key := variationselector.Remove(content.RelatesTo.Key)
		room := d.rooms.Resolve(ctx, evt.RoomID)
		channel := runtime.ChannelGroup
		if room.IsDirect {
			channel = runtime.ChannelDM
		}
		msg := &runtime.NormalizedMessage{
			ID:          evt.ID,
			Sender:      evt.Sender,
			RoomID:      evt.RoomID,
			CreatedAt:   jsontime.UM(time.UnixMilli(evt.Timestamp)),
			DisplayText: fmt.Sprintf("*Reacted with %s*", key),
			Channel:     channel,
			Metadata: runtime.MessageMetadata{
				OriginalKind: evt.Type.Type,
			},
		}
		// Replies to reactions are plain room messages, not threaded onto the
		// reaction event.
		replier := &ReplySender{
			client:     d.client,
			roomID:     evt.RoomID,
			eventID:    evt.ID,
			sender:     evt.Sender,
			body:       msg.DisplayText,
			unthreaded: true,
		}
		return d.emit(ctx, runtime.EventReactionReceived, &runtime.Payload{
			Message:  msg,
			Reply:    replier.Send,
			RawEvent: evt,
			Room:     room,
			Source:   eventSource,
		})
	}
}

func (d *Dispatcher) handleMembership(ctx context.Context, evt *event.Event) error {
	content := evt.Content.AsMember()
	if content == nil || evt.GetStateKey() == "" {
		return nil
	}
	target := id.UserID(evt.GetStateKey())
	if target == d.client.OwnIdentity() {
		return d.handleOwnMembership(ctx, evt, content)
	}
	if !d.allowList.IsAllowed(evt.RoomID) {
		return nil
	}
	switch content.Membership {
	case event.MembershipJoin:
		return d.emitWorld(ctx, runtime.EventUserJoined, evt.RoomID)
	case event.MembershipLeave, event.MembershipBan:
		return d.emitWorld(ctx, runtime.EventUserLeft, evt.RoomID)
	}
	return nil
}

func (d *Dispatcher) handleOwnMembership(ctx context.Context, evt *event.Event, content *event.MemberEventContent) error {
	log := zerolog.Ctx(ctx)
	switch content.Membership {
	case event.MembershipInvite:
		if !d.autoJoin {
			log.Debug().Msg("Ignoring invite, auto-join disabled")
			return nil
		}
		if d.inviters != nil {
			if _, ok := d.inviters[evt.Sender]; !ok {
				log.Info().Msg("Ignoring invite from unapproved inviter")
				return nil
			}
		}
		if err := d.client.JoinRoom(ctx, evt.RoomID); err != nil {
			return fmt.Errorf("failed to accept invite: %w", err)
		}
		log.Info().Msg("Accepted room invite")
		return d.allowRoom(ctx, evt.RoomID)
	case event.MembershipJoin:
		return d.emitWorld(ctx, runtime.EventWorldJoined, evt.RoomID)
	case event.MembershipLeave, event.MembershipBan:
		if err := d.disallowRoom(ctx, evt.RoomID); err != nil {
			return err
		}
		return d.emitWorld(ctx, runtime.EventWorldLeft, evt.RoomID)
	}
	return nil
}

func (d *Dispatcher) allowRoom(ctx context.Context, roomID id.RoomID) error {
	d.allowList.AddDynamic(roomID)
	if d.store != nil {
		if err := d.store.PutAllowedRoom(ctx, roomID); err != nil {
			return fmt.Errorf("failed to persist allowed room: %w", err)
		}
	}
	return nil
}

func (d *Dispatcher) disallowRoom(ctx context.Context, roomID id.RoomID) error {
	d.allowList.RemoveDynamic(roomID)
	if d.store != nil {
		if err := d.store.DeleteAllowedRoom(ctx, roomID); err != nil {
			return fmt.Errorf("failed to remove persisted allowed room: %w", err)
		}
	}
	return nil
}

func (d *Dispatcher) emit(ctx context.Context, kind runtime.EventKind, payload *runtime.Payload) error {
	err := d.sink.Emit(ctx, []runtime.EventKind{kind}, payload)
	if err != nil {
		return fmt.Errorf("sink rejected %s: %w", kind, err)
	}
	return nil
}

func (d *Dispatcher) emitWorld(ctx context.Context, kind runtime.EventKind, roomID id.RoomID) error {
	room := d.rooms.Resolve(ctx, roomID)
	payload := &runtime.WorldPayload{
		World: &runtime.WorldDescriptor{
			ID:      roomID,
			Name:    room.DisplayName,
			AgentID: d.client.OwnIdentity(),
			Source:  eventSource,
		},
		Room:   room,
		Source: eventSource,
	}
	err := d.sink.EmitWorld(ctx, []runtime.EventKind{kind}, payload)
	if err != nil {
		return fmt.Errorf("sink rejected %s: %w", kind, err)
	}
	return nil
}

// senderName resolves the sender's display name, returning empty when the
// profile is unavailable. Callers decide their own fallback; reply
// formatting in particular must know the difference between "no display
// name" and a name equal to the user ID.
func (d *Dispatcher) senderName(ctx context.Context, userID id.UserID) string {
	name, err := d.client.DisplayName(ctx, userID)
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).
			Stringer("user_id", userID).
			Msg("Failed to fetch sender profile")
		return ""
	}
	return name
}
