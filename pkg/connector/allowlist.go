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
	sync "github.com/sasha-s/go-deadlock"
	"golang.org/x/exp/slices"
	"maunium.net/go/mautrix/id"
)

// AllowList decides which rooms the connector forwards events from. The
// static set comes from config and is fixed for the process lifetime; a nil
// static set means every room is allowed. The dynamic set tracks rooms the
// agent joined at runtime. Reads happen on every event, writes only on
// join/leave, so a plain RWMutex is enough.
type AllowList struct {
	lock    sync.RWMutex
	static  map[id.RoomID]struct{}
	dynamic map[id.RoomID]struct{}
}

func NewAllowList(staticRooms []id.RoomID) *AllowList {
	al := &AllowList{
		dynamic: make(map[id.RoomID]struct{}),
	}
	if staticRooms != nil {
		al.static = make(map[id.RoomID]struct{}, len(staticRooms))
		for _, roomID := range staticRooms {
			al.static[roomID] = struct{}{}
		}
	}
	return al
}

// IsAllowed reports whether events from the given room may be forwarded.
func (al *AllowList) IsAllowed(roomID id.RoomID) bool {
	al.lock.RLock()
	defer al.lock.RUnlock()
	if al.static == nil {
		return true
	}
	if _, ok := al.static[roomID]; ok {
		return true
	}
	_, ok := al.dynamic[roomID]
	return ok
}

// Restricted reports whether a static allow-list is configured at all.
func (al *AllowList) Restricted() bool {
	al.lock.RLock()
	defer al.lock.RUnlock()
	return al.static != nil
}

func (al *AllowList) AddDynamic(roomID id.RoomID) {
	al.lock.Lock()
	defer al.lock.Unlock()
	al.dynamic[roomID] = struct{}{}
}

// RemoveDynamic removes a room from the dynamic set. Static membership is
// untouched: a room listed in the config stays allowed for the process
// lifetime even after the agent leaves it.
func (al *AllowList) RemoveDynamic(roomID id.RoomID) {
	al.lock.Lock()
	defer al.lock.Unlock()
	delete(al.dynamic, roomID)
}

// DynamicRooms returns the current dynamic entries in a stable order.
func (al *AllowList) DynamicRooms() []id.RoomID {
	al.lock.RLock()
	defer al.lock.RUnlock()
	rooms := make([]id.RoomID, 0, len(al.dynamic))
	for roomID := range al.dynamic {
		rooms = append(rooms, roomID)
	}
	slices.Sort(rooms)
	return rooms
}
