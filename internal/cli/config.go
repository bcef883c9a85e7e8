// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config.go - config command.
//
// Subcommands:
//   init [path]   write defaults with freshly generated cookie keys
//   show          effective config after file, .env and environment
//   validate      load and report every problem

package cli

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/gorilla/securecookie"

	"github.com/choreboard/choreboard-auth/internal/config"
)

const (
	configUsage       = "choreboard-auth config <init|show|validate> [path] [--force]"
	defaultConfigFile = "choreboard-auth.toml"
)

func runConfig(args *ArgParser, env Env) error {
	switch args.Subcommand() {
	case "init":
		return configInit(args, env)
	case "show", "":
		return configShow(args, env)
	case "validate":
		return configValidate(args, env)
	default:
		return usageErr(configUsage, "unknown subcommand %q", args.Subcommand())
	}
}

func configInit(args *ArgParser, env Env) error {
	path := args.Positional(1)
	if path == "" {
		path = args.FlagOrDefault("config", defaultConfigFile)
	}
	if _, err := os.Stat(path); err == nil && !args.BoolFlag("force") {
		return usageErr(configUsage, "%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	cfg := config.Default()
	hashKey := securecookie.GenerateRandomKey(32)
	blockKey := securecookie.GenerateRandomKey(32)
	if hashKey == nil || blockKey == nil {
		return errors.New("could not generate cookie keys")
	}
	cfg.Server.CookieHashKey = hex.EncodeToString(hashKey)
	cfg.Server.CookieBlockKey = hex.EncodeToString(blockKey)
	if err := config.WriteTOML(cfg, path); err != nil {
		return err
	}

	result := map[string]string{"path": path}
	return emit(args, env, "config init", result, func(w io.Writer) {
		fmt.Fprintf(w, "%s wrote %s\n", RenderStatus("ok"), path)
		fmt.Fprintln(w, DimStyle.Render("the file holds cookie keys; keep it private"))
	})
}

func configShow(args *ArgParser, env Env) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	rendered := cfg.String()
	return emit(args, env, "config show", json.RawMessage(rendered), func(w io.Writer) {
		fmt.Fprintln(w, rendered)
	})
}

func configValidate(args *ArgParser, env Env) error {
	if _, err := loadConfig(args); err != nil {
		return err
	}
	result := map[string]bool{"valid": true}
	return emit(args, env, "config validate", result, func(w io.Writer) {
		fmt.Fprintln(w, RenderStatus("ok"), "configuration is valid")
	})
}
