// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pitabwire/util"

	"github.com/choreboard/choreboard-auth/internal/storage"
)

// runServe runs the API until SIGINT or SIGTERM.
func runServe(ctx context.Context, args *ArgParser, env Env) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, args)
	if err != nil {
		return err
	}
	defer a.Close()

	util.Log(ctx).With(
		"version", Version,
		"database", a.DB.Path(),
		"sms", a.Config.SMS.Mode,
		"audit", a.Config.Audit.Sink,
	).Info("starting choreboard-auth")

	configPath := args.Flag("config")
	if configPath == "" {
		configPath = os.Getenv("CHOREBOARD_CONFIG")
	}
	return a.Serve(ctx, configPath)
}

type migrateResult struct {
	Database string `json:"database"`
	Version  int    `json:"schema_version"`
}

// runMigrate opens the database, which applies pending migrations, and
// reports the resulting schema version.
func runMigrate(ctx context.Context, args *ArgParser, env Env) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	if cfg.Database.IsMemory() {
		return usageErr("choreboard-auth migrate --config <file>", "the in-memory database has nothing to migrate")
	}
	db, err := storage.Open(ctx, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	v, err := db.Version(ctx)
	if err != nil {
		return err
	}
	res := migrateResult{Database: db.Path(), Version: v}
	return emit(args, env, "migrate", res, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s is at schema version %d\n", RenderStatus("ok"), res.Database, res.Version)
	})
}
