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

package database

import (
	"context"
	"database/sql"
	"errors"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

const (
	getSessionQuery = `
		SELECT user_id, device_id, access_token, filter_id, next_batch FROM session WHERE user_id=$1
	`
	upsertSessionQuery = `
		INSERT INTO session (user_id, device_id, access_token, filter_id, next_batch)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
			SET device_id=excluded.device_id,
			    access_token=excluded.access_token,
			    filter_id=excluded.filter_id,
			    next_batch=excluded.next_batch
	`
)

type SessionQuery struct {
	db *Database
}

func (sq *SessionQuery) New() *Session {
	return &Session{db: sq.db}
}

func (sq *SessionQuery) getDB() *Database {
	return sq.db
}

func (sq *SessionQuery) Get(ctx context.Context, userID id.UserID) (*Session, error) {
	return get[*Session](sq, ctx, getSessionQuery, userID)
}

// Session stores the per-account credentials and sync cursor so a restarted
// connector reuses its login and picks up where it left off instead of
// re-syncing from scratch.
type Session struct {
	db *Database

	UserID      id.UserID
	DeviceID    id.DeviceID
	AccessToken string
	FilterID    string
	NextBatch   string
}

func (s *Session) Scan(row dbutil.Scannable) (*Session, error) {
	err := row.Scan(&s.UserID, &s.DeviceID, &s.AccessToken, &s.FilterID, &s.NextBatch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) Upsert(ctx context.Context) error {
	_, err := s.db.Execable(ctx).ExecContext(ctx, upsertSessionQuery, s.UserID, s.DeviceID, s.AccessToken, s.FilterID, s.NextBatch)
	return err
}
