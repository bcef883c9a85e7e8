// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// lockout_cmd.go - inspect and clear login lockouts.
//
// Subcommands:
//   list                       locked keys (alias: ls)
//   status <identifier>        attempt record for one key
//   reset <identifier>         clear a key and audit who did it
//
// A key is an identifier plus a source. Password and OTP logins use the
// normalized phone and the client IP; PIN logins use the child account id
// and the source "pin".

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/choreboard/choreboard-auth/internal/app"
	"github.com/choreboard/choreboard-auth/internal/security"
)

const lockoutUsage = "choreboard-auth lockout <list|status|reset> [identifier] [--source <ip|pin>]"

type lockoutView struct {
	Identifier   string    `json:"identifier"`
	Source       string    `json:"source"`
	FailureCount int       `json:"failure_count"`
	LockedUntil  time.Time `json:"locked_until"`
	RetryAfter   int       `json:"retry_after_seconds"`
}

func runLockout(ctx context.Context, args *ArgParser, env Env) error {
	sub := args.Subcommand()
	switch sub {
	case "list", "ls", "":
		sub = "list"
	case "status", "reset":
		if args.Positional(1) == "" {
			return usageErr(lockoutUsage, "missing identifier")
		}
	default:
		return usageErr(lockoutUsage, "unknown subcommand %q", sub)
	}

	a, err := openApp(ctx, args)
	if err != nil {
		return err
	}
	defer a.Close()

	switch sub {
	case "list":
		return lockoutList(ctx, a, args, env)
	case "status":
		return lockoutStatus(ctx, a, args, env)
	default:
		return lockoutReset(ctx, a, args, env)
	}
}

// attemptKey builds the key from the identifier argument and --source.
// Identifiers that parse as phones are normalized so "138 0000 0100" finds
// the same key the gateway charged.
func attemptKey(args *ArgParser) security.AttemptKey {
	id := args.Positional(1)
	if phone, err := security.NormalizePhone(id); err == nil {
		id = phone
	}
	return security.AttemptKey{Identifier: id, Source: args.Flag("source")}
}

func lockoutList(ctx context.Context, a *app.App, args *ArgParser, env Env) error {
	entries, err := a.Limiter.ListLocked(ctx)
	if err != nil {
		return err
	}
	views := make([]lockoutView, len(entries))
	rows := make([][]string, len(entries))
	for i, e := range entries {
		views[i] = lockoutView{
			Identifier:   e.Key.Identifier,
			Source:       e.Key.Source,
			FailureCount: e.FailureCount,
			LockedUntil:  e.LockedUntil,
			RetryAfter:   int(e.Remaining.Round(time.Second) / time.Second),
		}
		rows[i] = []string{
			e.Key.Identifier,
			e.Key.Source,
			strconv.Itoa(e.FailureCount),
			e.Remaining.Round(time.Second).String(),
		}
	}
	return emit(args, env, "lockout list", views, func(w io.Writer) {
		if len(views) == 0 {
			fmt.Fprintln(w, RenderStatus("ok"), "no active lockouts")
			return
		}
		fmt.Fprintln(w, TitleStyle.Render(fmt.Sprintf("%d active lockout(s)", len(views))))
		fmt.Fprintln(w, RenderTable([]string{"IDENTIFIER", "SOURCE", "FAILURES", "REMAINING"}, rows))
	})
}

type lockoutStatusView struct {
	Identifier   string    `json:"identifier"`
	Source       string    `json:"source"`
	FailureCount int       `json:"failure_count"`
	Locked       bool      `json:"locked"`
	LockedUntil  time.Time `json:"locked_until,omitempty"`
	Threshold    int       `json:"threshold"`
}

func lockoutStatus(ctx context.Context, a *app.App, args *ArgParser, env Env) error {
	key := attemptKey(args)
	rec, err := a.Limiter.Status(ctx, key)
	if err != nil {
		return err
	}
	view := lockoutStatusView{
		Identifier: key.Identifier,
		Source:     key.Source,
		Threshold:  a.Limiter.Config().Threshold,
	}
	if rec != nil {
		view.FailureCount = rec.FailureCount
		view.Locked = rec.LockedAt(time.Now())
		if view.Locked {
			view.LockedUntil = rec.LockedUntil
		}
	}
	return emit(args, env, "lockout status", view, func(w io.Writer) {
		fmt.Fprintln(w, TitleStyle.Render("Lockout status"))
		fmt.Fprintln(w, RenderField("Identifier", view.Identifier))
		fmt.Fprintln(w, RenderField("Source", view.Source))
		fmt.Fprintln(w, RenderField("Failures", fmt.Sprintf("%d of %d", view.FailureCount, view.Threshold)))
		if view.Locked {
			fmt.Fprintln(w, RenderField("State", RenderStatus("locked")+" until "+view.LockedUntil.Local().Format(time.DateTime)))
		} else {
			fmt.Fprintln(w, RenderField("State", RenderStatus("ok")))
		}
	})
}

func lockoutReset(ctx context.Context, a *app.App, args *ArgParser, env Env) error {
	key := attemptKey(args)
	operator := args.FlagOrDefault("operator", currentOperator())
	if err := a.Gateway.ResetLockout(ctx, key, operator); err != nil {
		return err
	}
	result := map[string]string{"identifier": key.Identifier, "source": key.Source, "operator": operator}
	return emit(args, env, "lockout reset", result, func(w io.Writer) {
		fmt.Fprintf(w, "%s lockout cleared for %s (source %q)\n", RenderStatus("ok"), key.Identifier, key.Source)
	})
}

// currentOperator names the person running the CLI for the audit trail.
func currentOperator() string {
	for _, k := range []string{"USER", "USERNAME", "LOGNAME"} {
		if v := os.Getenv(k); v != "" {
			return "cli:" + v
		}
	}
	return "cli"
}
