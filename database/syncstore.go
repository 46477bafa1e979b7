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

	"maunium.net/go/mautrix/id"
)

// SyncStore persists sync filter IDs and next-batch tokens in the session
// table. It implements the store interface the Matrix client uses, so sync
// resumes from the stored token after a restart.
type SyncStore struct {
	db *Database
}

func NewSyncStore(db *Database) *SyncStore {
	return &SyncStore{db: db}
}

func (ss *SyncStore) update(ctx context.Context, userID id.UserID, set func(*Session)) error {
	session, err := ss.db.Session.Get(ctx, userID)
	if err != nil {
		return err
	}
	if session == nil {
		session = ss.db.Session.New()
		session.UserID = userID
	}
	set(session)
	return session.Upsert(ctx)
}

func (ss *SyncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return ss.update(ctx, userID, func(session *Session) {
		session.FilterID = filterID
	})
}

func (ss *SyncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	session, err := ss.db.Session.Get(ctx, userID)
	if err != nil || session == nil {
		return "", err
	}
	return session.FilterID, nil
}

func (ss *SyncStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return ss.update(ctx, userID, func(session *Session) {
		session.NextBatch = nextBatchToken
	})
}

func (ss *SyncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	session, err := ss.db.Session.Get(ctx, userID)
	if err != nil || session == nil {
		return "", err
	}
	return session.NextBatch, nil
}
