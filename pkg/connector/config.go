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
	_ "embed"
	"errors"
	"fmt"
	"os"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

type MatrixConfig struct {
	Homeserver  string      `yaml:"homeserver"`
	UserID      id.UserID   `yaml:"user_id"`
	Password    string      `yaml:"password"`
	AccessToken string      `yaml:"access_token"`
	DeviceID    id.DeviceID `yaml:"device_id"`
}

type ForwardingConfig struct {
	// An empty list means every joined room is forwarded.
	AllowedRooms    []id.RoomID `yaml:"allowed_rooms"`
	BotMarker       string      `yaml:"bot_message_marker"`
	AutoJoinInvites bool        `yaml:"auto_join_invites"`
	AllowedInviters []id.UserID `yaml:"allowed_inviters"`
}

type Config struct {
	Matrix     MatrixConfig      `yaml:"matrix"`
	Forwarding ForwardingConfig  `yaml:"forwarding"`
	Database   dbutil.Config     `yaml:"database"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

func (cfg *Config) Validate() error {
	if cfg.Matrix.Homeserver == "" {
		return errors.New("matrix.homeserver is required")
	}
	if cfg.Matrix.UserID == "" {
		return errors.New("matrix.user_id is required")
	}
	if cfg.Matrix.Password == "" && cfg.Matrix.AccessToken == "" {
		return errors.New("one of matrix.password or matrix.access_token is required")
	}
	if cfg.Database.URI == "" {
		return errors.New("database.uri is required")
	}
	return nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "matrix", "homeserver")
	helper.Copy(up.Str, "matrix", "user_id")
	helper.Copy(up.Str, "matrix", "password")
	helper.Copy(up.Str, "matrix", "access_token")
	helper.Copy(up.Str, "matrix", "device_id")
	helper.Copy(up.List, "forwarding", "allowed_rooms")
	helper.Copy(up.Str, "forwarding", "bot_message_marker")
	helper.Copy(up.Bool, "forwarding", "auto_join_invites")
	helper.Copy(up.List, "forwarding", "allowed_inviters")
	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")
	helper.Copy(up.Map, "logging")
}

var SpacedBlocks = [][]string{
	{"forwarding"},
	{"database"},
	{"logging"},
}

// LoadConfig reads, upgrades and parses the config file at path. Missing
// keys are filled in from the embedded example; when save is set the
// upgraded file is written back in place.
func LoadConfig(path string, save bool) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err = os.WriteFile(path, []byte(ExampleConfig), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write example config: %w", err)
		}
		return nil, fmt.Errorf("wrote example config to %s, fill it in and restart", path)
	}
	upgrader := &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks:         SpacedBlocks,
		Base:           ExampleConfig,
	}
	configData, _, err := up.Do(path, save, upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(configData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
