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

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
	_ "go.mau.fi/util/dbutil/litestream"

	"github.com/altagents/matrix-connector/database/upgrades"
)

type Database struct {
	*dbutil.Database

	Session     *SessionQuery
	AllowedRoom *AllowedRoomQuery
}

func New(baseDB *dbutil.Database) *Database {
	db := &Database{Database: baseDB}
	db.UpgradeTable = upgrades.Table
	db.Session = &SessionQuery{db: db}
	db.AllowedRoom = &AllowedRoomQuery{db: db}
	return db
}

type dataStruct[T any] interface {
	Scan(row dbutil.Scannable) (T, error)
}

type queryStruct[T dataStruct[T]] interface {
	New() T
	getDB() *Database
}

func get[T dataStruct[T]](qs queryStruct[T], ctx context.Context, query string, args ...any) (T, error) {
	return qs.New().Scan(qs.getDB().Execable(ctx).QueryRowContext(ctx, query, args...))
}

func getAll[T dataStruct[T]](qs queryStruct[T], ctx context.Context, query string, args ...any) ([]T, error) {
	rows, err := qs.getDB().Execable(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	items := make([]T, 0)
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		item, err := qs.New().Scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
