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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exerrors"

	"github.com/altagents/matrix-connector/database"
	"github.com/altagents/matrix-connector/pkg/connector"
	"github.com/altagents/matrix-connector/pkg/runtime"
)

const Version = "0.1.0"

var (
	configPath   = flag.String("config", "config.yaml", "path to the config file")
	noSaveConfig = flag.Bool("no-update", false, "don't save the upgraded config to disk")
	printVersion = flag.Bool("version", false, "print the version and exit")
)

func main() {
	flag.Parse()
	if *printVersion {
		fmt.Println("matrix-connector", Version)
		return
	}
	cfg, err := connector.LoadConfig(*configPath, !*noSaveConfig)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}
	log := exerrors.Must(cfg.Logging.Compile())

	rawDB, err := dbutil.NewFromConfig("matrix-connector", cfg.Database, dbutil.ZeroLogger(log.With().Str("component", "database").Logger()))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	db := database.New(rawDB)
	defer func() {
		_ = db.Close()
	}()

	mc := connector.New(cfg, *log, db, &logSink{log: *log})
	ctx := log.WithContext(context.Background())
	if err = mc.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start connector")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Info().Stringer("signal", sig).Msg("Shutting down")
	mc.Stop()
}

// logSink is the sink used when the binary runs standalone, without a
// hosting runtime: it just logs what would be emitted. Embedders replace it
// with their own EventSink.
type logSink struct {
	log zerolog.Logger
}

func (ls *logSink) Emit(ctx context.Context, kinds []runtime.EventKind, payload *runtime.Payload) error {
	ls.log.Info().
		Any("kinds", kinds).
		Stringer("event_id", payload.Message.ID).
		Stringer("sender", payload.Message.Sender).
		Str("channel", string(payload.Message.Channel)).
		Int("attachments", len(payload.Message.Attachments)).
		Str("display_text", payload.Message.DisplayText).
		Msg("Event")
	return nil
}

func (ls *logSink) EmitWorld(ctx context.Context, kinds []runtime.EventKind, payload *runtime.WorldPayload) error {
	ls.log.Info().
		Any("kinds", kinds).
		Stringer("room_id", payload.World.ID).
		Str("name", payload.World.Name).
		Msg("World event")
	return nil
}
