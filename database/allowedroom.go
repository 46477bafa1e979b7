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
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

const (
	getAllAllowedRoomsQuery = `
		SELECT room_id, added_at FROM allowed_room ORDER BY room_id
	`
	putAllowedRoomQuery = `
		INSERT INTO allowed_room (room_id, added_at) VALUES ($1, $2)
		ON CONFLICT (room_id) DO NOTHING
	`
	deleteAllowedRoomQuery = `
		DELETE FROM allowed_room WHERE room_id=$1
	`
)

type AllowedRoomQuery struct {
	db *Database
}

func (arq *AllowedRoomQuery) New() *AllowedRoom {
	return &AllowedRoom{db: arq.db}
}

func (arq *AllowedRoomQuery) getDB() *Database {
	return arq.db
}

func (arq *AllowedRoomQuery) GetAll(ctx context.Context) ([]*AllowedRoom, error) {
	return getAll[*AllowedRoom](arq, ctx, getAllAllowedRoomsQuery)
}

func (arq *AllowedRoomQuery) Put(ctx context.Context, roomID id.RoomID) error {
	_, err := arq.db.Execable(ctx).ExecContext(ctx, putAllowedRoomQuery, roomID, time.Now().UnixMilli())
	return err
}

func (arq *AllowedRoomQuery) Delete(ctx context.Context, roomID id.RoomID) error {
	_, err := arq.db.Execable(ctx).ExecContext(ctx, deleteAllowedRoomQuery, roomID)
	return err
}

// AllowedRoom is a room the agent joined at runtime. These survive restarts
// independently of the static allow-list in the config.
type AllowedRoom struct {
	db *Database

	RoomID  id.RoomID
	AddedAt time.Time
}

func (ar *AllowedRoom) Scan(row dbutil.Scannable) (*AllowedRoom, error) {
	var addedAt int64
	err := row.Scan(&ar.RoomID, &addedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	ar.AddedAt = time.UnixMilli(addedAt)
	return ar, nil
}
