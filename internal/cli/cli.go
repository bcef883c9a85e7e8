// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/choreboard/choreboard-auth/internal/app"
	"github.com/choreboard/choreboard-auth/internal/config"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command is a top-level command.
type Command int

const (
	CmdHelp Command = iota
	CmdServe
	CmdMigrate
	CmdAccount
	CmdLockout
	CmdAudit
	CmdConfig
	CmdVersion
	CmdUnknown
)

var commandNames = map[string]Command{
	"serve":    CmdServe,
	"migrate":  CmdMigrate,
	"account":  CmdAccount,
	"accounts": CmdAccount,
	"lockout":  CmdLockout,
	"audit":    CmdAudit,
	"config":   CmdConfig,
	"version":  CmdVersion,
	"help":     CmdHelp,
}

const usageText = `choreboard-auth - sign-in service for the ChoreBoard family app

Usage:
  choreboard-auth <command> [subcommand] [flags]

Commands:
  serve                         Run the HTTP API
  migrate                       Create or upgrade the database schema
  account create                Create an account (--role, --phone, --name, --id)
  account list                  List accounts
  account set-password <id>     Set a parent or admin password
  account set-pin <id>          Set a child PIN
  lockout list                  Show locked identifiers
  lockout status <identifier>   Show the attempt record (--source)
  lockout reset <identifier>    Clear a lockout (--source, --operator)
  audit tail                    Show recent audit entries (--limit)
  config init [path]            Write a default config file (--force)
  config show                   Print the effective config, secrets redacted
  config validate               Load and validate the config
  version                       Print version information

Global flags:
  --config <path>   TOML config file (default $CHOREBOARD_CONFIG)
  --json            Machine-readable output
  --stdin           Read passwords and PINs from stdin

Environment overrides use the CHOREBOARD_ prefix, e.g. CHOREBOARD_DB_PATH.
`

// Env is the process environment a command runs against.
type Env struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// StdEnv returns the real standard streams.
func StdEnv() Env {
	return Env{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
}

// Parse splits argv (without the program name) into a command and its
// arguments.
func Parse(argv []string) (Command, *ArgParser) {
	if len(argv) == 0 {
		return CmdHelp, NewArgParser(nil)
	}
	cmd, ok := commandNames[argv[0]]
	switch {
	case ok:
	case argv[0] == "-h" || argv[0] == "--help":
		cmd = CmdHelp
	default:
		cmd = CmdUnknown
	}
	return cmd, NewArgParser(argv[1:])
}

// Run executes argv and returns the process exit code.
func Run(ctx context.Context, argv []string, env Env) int {
	cmd, args := Parse(argv)
	if args.BoolFlag("help") || args.BoolFlag("h") {
		cmd = CmdHelp
	}

	var err error
	switch cmd {
	case CmdHelp:
		fmt.Fprint(env.Stdout, usageText)
		return ExitSuccess
	case CmdVersion:
		err = runVersion(args, env)
	case CmdServe:
		err = runServe(ctx, args, env)
	case CmdMigrate:
		err = runMigrate(ctx, args, env)
	case CmdAccount:
		err = runAccount(ctx, args, env)
	case CmdLockout:
		err = runLockout(ctx, args, env)
	case CmdAudit:
		err = runAudit(ctx, args, env)
	case CmdConfig:
		err = runConfig(args, env)
	default:
		err = usageErr("choreboard-auth help", "unknown command %q", argv[0])
	}
	if err == nil {
		return ExitSuccess
	}

	if args.BoolFlag("json") {
		NewJSONErrorResponse(commandLabel(argv), err).Print(env.Stdout)
	} else {
		fmt.Fprintln(env.Stderr, ErrorStyle.Render("Error:"), err)
	}
	return GetExitCode(err)
}

func commandLabel(argv []string) string {
	switch {
	case len(argv) == 0:
		return ""
	case len(argv) > 1 && argv[1] != "" && argv[1][0] != '-':
		return argv[0] + " " + argv[1]
	default:
		return argv[0]
	}
}

// emit prints data as JSON under --json, otherwise calls text.
func emit(args *ArgParser, env Env, command string, data any, text func(io.Writer)) error {
	if args.BoolFlag("json") {
		return NewJSONResponse(command, data).Print(env.Stdout)
	}
	text(env.Stdout)
	return nil
}

// loadConfig loads the config named by --config.
func loadConfig(args *ArgParser) (*config.Config, error) {
	cfg, err := config.Load(args.Flag("config"))
	if err != nil {
		return nil, &configError{err: err}
	}
	return cfg, nil
}

// openApp loads the config and wires the service.
func openApp(ctx context.Context, args *ArgParser) (*app.App, error) {
	cfg, err := loadConfig(args)
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg)
}

// =============================================================================
// VERSION
// =============================================================================

type versionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func runVersion(args *ArgParser, env Env) error {
	info := versionInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	return emit(args, env, "version", info, func(w io.Writer) {
		fmt.Fprintf(w, "choreboard-auth %s (%s, built %s, %s %s)\n",
			info.Version, info.GitCommit, info.BuildDate, info.GoVersion, info.Platform)
	})
}
