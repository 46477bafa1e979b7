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

// Package connector turns a Matrix account into an event source and reply
// channel for a conversational agent runtime. It syncs the account, reduces
// room events to normalized messages and hands them to the runtime's sink
// together with a reply capability.
package connector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/altagents/matrix-connector/database"
	"github.com/altagents/matrix-connector/pkg/runtime"
)

type Connector struct {
	Config     *Config
	DB         *database.Database
	Client     *Client
	AllowList  *AllowList
	Media      *MediaFetcher
	Normalizer *Normalizer
	Rooms      *RoomContextResolver
	Dispatcher *Dispatcher

	// Settings optionally lets the hosting runtime override forwarding
	// options without editing the config file. Set it before Start.
	Settings runtime.Settings

	log      zerolog.Logger
	sink     runtime.EventSink
	stopSync context.CancelFunc
	syncDone chan struct{}
}

func New(cfg *Config, log zerolog.Logger, db *database.Database, sink runtime.EventSink) *Connector {
	return &Connector{
		Config: cfg,
		DB:     db,
		log:    log,
		sink:   sink,
	}
}

// Start upgrades the database, logs in, restores the persisted allow-list
// state and launches the sync loop. It returns once the connector is
// syncing; events flow to the sink from a background goroutine.
func (mc *Connector) Start(ctx context.Context) error {
	if err := mc.DB.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade database: %w", err)
	}
	matrixCfg := mc.Config.Matrix
	session, err := mc.DB.Session.Get(ctx, matrixCfg.UserID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if matrixCfg.AccessToken == "" && session != nil && session.AccessToken != "" {
		matrixCfg.AccessToken = session.AccessToken
		if matrixCfg.DeviceID == "" {
			matrixCfg.DeviceID = session.DeviceID
		}
		mc.log.Debug().Msg("Restored access token from database")
	}
	client, err := NewClient(&matrixCfg, mc.log, database.NewSyncStore(mc.DB))
	if err != nil {
		return err
	}
	if err = client.Login(ctx); err != nil {
		return err
	}
	mc.Client = client
	if session == nil {
		session = mc.DB.Session.New()
		session.UserID = client.OwnIdentity()
	}
	session.AccessToken = client.AccessToken()
	session.DeviceID = client.Device()
	if err = session.Upsert(ctx); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	fwd := mc.Config.Forwarding
	applySettingOverrides(&fwd, mc.Settings)

	var staticRooms []id.RoomID
	if len(fwd.AllowedRooms) > 0 {
		staticRooms = fwd.AllowedRooms
	}
	mc.AllowList = NewAllowList(staticRooms)
	if err = mc.restoreDynamicRooms(ctx); err != nil {
		return err
	}

	mc.Media = NewMediaFetcher(client)
	mc.Normalizer = NewNormalizer(mc.Media)
	mc.Rooms = NewRoomContextResolver(client)
	mc.Dispatcher = NewDispatcher(DispatcherParams{
		Client:          client,
		AllowList:       mc.AllowList,
		Normalizer:      mc.Normalizer,
		Rooms:           mc.Rooms,
		Sink:            mc.sink,
		Store:           &allowListStore{db: mc.DB},
		Log:             mc.log.With().Str("component", "dispatcher").Logger(),
		BotMarker:       fwd.BotMarker,
		AutoJoinInvites: fwd.AutoJoinInvites,
		AllowedInviters: fwd.AllowedInviters,
	})

	client.RegisterSyncFilters()
	client.RegisterHandler(event.EventMessage, mc.Dispatcher.HandleMessage)
	client.RegisterHandler(event.EventEncrypted, mc.Dispatcher.HandleEncrypted)
	client.RegisterHandler(event.EventReaction, mc.Dispatcher.HandleReaction)
	client.RegisterHandler(event.StateMember, mc.Dispatcher.HandleMembership)

	syncCtx, cancel := context.WithCancel(mc.log.WithContext(context.Background()))
	mc.stopSync = cancel
	mc.syncDone = make(chan struct{})
	go func() {
		defer close(mc.syncDone)
		err := client.Sync(syncCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			mc.log.Err(err).Msg("Sync loop exited with error")
		}
	}()
	mc.log.Info().
		Stringer("user_id", client.OwnIdentity()).
		Bool("restricted", mc.AllowList.Restricted()).
		Msg("Connector started")
	return nil
}

// Stop cancels the sync loop and waits for it to exit. The database stays
// open; its owner closes it.
func (mc *Connector) Stop() {
	if mc.stopSync == nil {
		return
	}
	mc.stopSync()
	<-mc.syncDone
	mc.log.Info().Msg("Connector stopped")
}

func (mc *Connector) restoreDynamicRooms(ctx context.Context) error {
	rooms, err := mc.DB.AllowedRoom.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted allowed rooms: %w", err)
	}
	for _, room := range rooms {
		mc.AllowList.AddDynamic(room.RoomID)
	}
	if len(rooms) > 0 {
		mc.log.Debug().Int("count", len(rooms)).Msg("Restored dynamically allowed rooms")
	}
	return nil
}

// applySettingOverrides copies runtime-supplied settings over the
// forwarding config. Keys mirror the yaml keys; empty values leave the
// config value in place.
func applySettingOverrides(fwd *ForwardingConfig, settings runtime.Settings) {
	if settings == nil {
		return
	}
	if marker := settings.GetSetting("bot_message_marker"); marker != "" {
		fwd.BotMarker = marker
	}
	if raw := settings.GetSetting("auto_join_invites"); raw != "" {
		if val, err := strconv.ParseBool(raw); err == nil {
			fwd.AutoJoinInvites = val
		}
	}
	if raw := settings.GetSetting("allowed_rooms"); raw != "" {
		fwd.AllowedRooms = nil
		for _, room := range strings.Split(raw, ",") {
			if room = strings.TrimSpace(room); room != "" {
				fwd.AllowedRooms = append(fwd.AllowedRooms, id.RoomID(room))
			}
		}
	}
}

type allowListStore struct {
	db *database.Database
}

func (als *allowListStore) PutAllowedRoom(ctx context.Context, roomID id.RoomID) error {
	return als.db.AllowedRoom.Put(ctx, roomID)
}

func (als *allowListStore) DeleteAllowedRoom(ctx context.Context, roomID id.RoomID) error {
	return als.db.AllowedRoom.Delete(ctx, roomID)
}
