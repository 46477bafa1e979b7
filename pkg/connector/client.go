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
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// RoomStateMap mirrors the shape of a full room state response: event type,
// then state key, then the event itself.
type RoomStateMap = map[event.Type]map[string]*event.Event

// ProtocolClient is the slice of homeserver functionality the rest of the
// package depends on. Everything takes a context and returns an explicit
// error; the concrete implementation below wraps a mautrix client.
type ProtocolClient interface {
	OwnIdentity() id.UserID
	RoomState(ctx context.Context, roomID id.RoomID) (RoomStateMap, error)
	JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]mautrix.JoinedMember, error)
	DirectRooms(ctx context.Context) (map[id.UserID][]id.RoomID, error)
	DisplayName(ctx context.Context, userID id.UserID) (string, error)
	ResolveContentURL(uri id.ContentURIString) string
	SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error)
	UploadContent(ctx context.Context, data []byte, fileName, mime string) (id.ContentURIString, error)
	JoinRoom(ctx context.Context, roomID id.RoomID) error
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
	JoinedRooms(ctx context.Context) ([]id.RoomID, error)
}

const (
	loginAttempts     = 5
	loginRetryDelay   = 5 * time.Second
	syncErrorMinDelay = time.Second
	syncErrorMaxDelay = time.Minute
)

// Client is the mautrix-backed ProtocolClient.
type Client struct {
	cli *mautrix.Client
	log zerolog.Logger
	cfg *MatrixConfig
}

func NewClient(cfg *MatrixConfig, log zerolog.Logger, store mautrix.SyncStore) (*Client, error) {
	cli, err := mautrix.NewClient(cfg.Homeserver, cfg.UserID, cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	cli.Log = log.With().Str("component", "mautrix").Logger()
	if store != nil {
		cli.Store = store
	}
	cli.DeviceID = cfg.DeviceID
	return &Client{cli: cli, log: log, cfg: cfg}, nil
}

// Login establishes credentials. With an access token configured it only
// verifies the token against /whoami; otherwise it does a password login,
// retrying transient failures a few times before giving up.
func (c *Client) Login(ctx context.Context) error {
	if c.cfg.AccessToken != "" {
		whoami, err := c.cli.Whoami(ctx)
		if err != nil {
			return fmt.Errorf("access token check failed: %w", err)
		}
		c.cli.UserID = whoami.UserID
		c.log.Info().Stringer("user_id", whoami.UserID).Msg("Reusing existing access token")
		return nil
	}
	if c.cfg.Password == "" {
		return errNotLoggedIn
	}
	var lastErr error
	for attempt := 1; attempt <= loginAttempts; attempt++ {
		_, err := c.cli.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: c.cfg.UserID.String(),
			},
			Password:                 c.cfg.Password,
			DeviceID:                 c.cfg.DeviceID,
			InitialDeviceDisplayName: "matrix-connector",
			StoreCredentials:         true,
		})
		if err == nil {
			c.log.Info().
				Stringer("user_id", c.cli.UserID).
				Stringer("device_id", c.cli.DeviceID).
				Msg("Logged in")
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn().Err(err).
			Int("attempt", attempt).
			Msg("Login failed, retrying")
		select {
		case <-time.After(loginRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("login failed after %d attempts: %w", loginAttempts, lastErr)
}

// RegisterHandler subscribes fn to incoming events of the given type.
// Events from before the first sync are dropped by the sync hook set up in
// RegisterSyncFilters.
func (c *Client) RegisterHandler(evtType event.Type, fn mautrix.EventHandler) {
	c.cli.Syncer.(*mautrix.DefaultSyncer).OnEventType(evtType, fn)
}

// RegisterSyncFilters installs the hook that discards everything from the
// initial sync, so restarting the connector doesn't replay history into the
// agent.
func (c *Client) RegisterSyncFilters() {
	c.cli.Syncer.(mautrix.ExtensibleSyncer).OnSync(c.cli.DontProcessOldEvents)
}

// Sync runs the long-poll sync loop until ctx is cancelled, backing off
// exponentially on transient errors.
func (c *Client) Sync(ctx context.Context) error {
	delay := syncErrorMinDelay
	for {
		err := c.cli.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			delay = syncErrorMinDelay
			continue
		}
		c.log.Err(err).Dur("retry_in", delay).Msg("Sync failed")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > syncErrorMaxDelay {
			delay = syncErrorMaxDelay
		}
	}
}

func (c *Client) OwnIdentity() id.UserID {
	return c.cli.UserID
}

func (c *Client) AccessToken() string {
	return c.cli.AccessToken
}

func (c *Client) Device() id.DeviceID {
	return c.cli.DeviceID
}

func (c *Client) RoomState(ctx context.Context, roomID id.RoomID) (RoomStateMap, error) {
	return c.cli.State(ctx, roomID)
}

func (c *Client) JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]mautrix.JoinedMember, error) {
	resp, err := c.cli.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return resp.Joined, nil
}

func (c *Client) DirectRooms(ctx context.Context) (map[id.UserID][]id.RoomID, error) {
	var directs map[id.UserID][]id.RoomID
	err := c.cli.GetAccountData(ctx, event.AccountDataDirectChats.Type, &directs)
	if err != nil {
		return nil, err
	}
	return directs, nil
}

func (c *Client) DisplayName(ctx context.Context, userID id.UserID) (string, error) {
	resp, err := c.cli.GetDisplayName(ctx, userID)
	if err != nil {
		return "", err
	}
	return resp.DisplayName, nil
}

// ResolveContentURL turns an mxc:// locator into the authenticated-media-era
// v3 download URL on the configured homeserver. Unparseable locators resolve
// to the empty string.
func (c *Client) ResolveContentURL(uri id.ContentURIString) string {
	parsed, err := uri.Parse()
	if err != nil || parsed.Homeserver == "" || parsed.FileID == "" {
		return ""
	}
	return c.cli.HomeserverURL.JoinPath("_matrix", "media", "v3", "download", parsed.Homeserver, parsed.FileID).String()
}

func (c *Client) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := c.cli.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (c *Client) UploadContent(ctx context.Context, data []byte, fileName, mime string) (id.ContentURIString, error) {
	resp, err := c.cli.UploadMedia(ctx, mautrix.ReqUploadMedia{
		ContentBytes:  data,
		ContentType:   mime,
		ContentLength: int64(len(data)),
		FileName:      fileName,
	})
	if err != nil {
		return "", err
	}
	return resp.ContentURI.CUString(), nil
}

func (c *Client) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.cli.JoinRoomByID(ctx, roomID)
	return err
}

func (c *Client) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.cli.LeaveRoom(ctx, roomID)
	return err
}

func (c *Client) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	resp, err := c.cli.JoinedRooms(ctx)
	if err != nil {
		return nil, err
	}
	return resp.JoinedRooms, nil
}
