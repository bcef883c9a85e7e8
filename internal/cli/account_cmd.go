// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/choreboard/choreboard-auth/internal/app"
	"github.com/choreboard/choreboard-auth/internal/security"
)

const accountUsage = "choreboard-auth account <create|list|set-password|set-pin> [flags]"

type accountView struct {
	ID          string        `json:"id"`
	Role        security.Role `json:"role"`
	Phone       string        `json:"phone,omitempty"`
	DisplayName string        `json:"display_name,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

func viewAccount(a *security.Account) accountView {
	return accountView{
		ID:          a.ID,
		Role:        a.Role,
		Phone:       a.Phone,
		DisplayName: a.DisplayName,
		CreatedAt:   a.CreatedAt,
	}
}

func runAccount(ctx context.Context, args *ArgParser, env Env) error {
	sub := args.Subcommand()
	switch sub {
	case "create", "list", "ls", "set-password", "set-pin":
	case "":
		return usageErr(accountUsage, "missing subcommand")
	default:
		return usageErr(accountUsage, "unknown subcommand %q", sub)
	}

	a, err := openApp(ctx, args)
	if err != nil {
		return err
	}
	defer a.Close()

	switch sub {
	case "create":
		return accountCreate(ctx, a, args, env)
	case "list", "ls":
		return accountList(ctx, a, args, env)
	default:
		return accountSetSecret(ctx, a, args, env, sub)
	}
}

// accountCreate creates a parent, admin or child. Parents and admins need a
// phone; children must not have one.
func accountCreate(ctx context.Context, a *app.App, args *ArgParser, env Env) error {
	role, err := security.ParseRole(args.FlagOrDefault("role", "parent"))
	if err != nil {
		return usageErr(accountUsage, "%v", err)
	}
	acct := &security.Account{
		ID:          args.Flag("id"),
		Role:        role,
		DisplayName: args.Flag("name"),
	}
	phone := args.Flag("phone")
	switch {
	case role.UsesPassword() && phone == "":
		return usageErr("choreboard-auth account create --role "+role.String()+" --phone <number>", "a %s account needs --phone", role)
	case !role.UsesPassword() && phone != "":
		return usageErr(accountUsage, "child accounts do not have a phone")
	case phone != "":
		if acct.Phone, err = security.NormalizePhone(phone); err != nil {
			return usageErr(accountUsage, "invalid phone %q", phone)
		}
	}

	if err := a.Accounts.Create(ctx, acct); err != nil {
		return err
	}
	view := viewAccount(acct)
	return emit(args, env, "account create", view, func(w io.Writer) {
		fmt.Fprintf(w, "%s created %s account %s\n", RenderStatus("ok"), view.Role, view.ID)
		secret := "set-password"
		if !role.UsesPassword() {
			secret = "set-pin"
		}
		fmt.Fprintln(w, DimStyle.Render("next: choreboard-auth account "+secret+" "+view.ID))
	})
}

func accountList(ctx context.Context, a *app.App, args *ArgParser, env Env) error {
	accounts, err := a.Accounts.List(ctx)
	if err != nil {
		return err
	}
	views := make([]accountView, len(accounts))
	rows := make([][]string, len(accounts))
	for i := range accounts {
		views[i] = viewAccount(&accounts[i])
		rows[i] = []string{
			views[i].ID,
			views[i].Role.String(),
			views[i].Phone,
			views[i].DisplayName,
			views[i].CreatedAt.Local().Format(time.DateTime),
		}
	}
	return emit(args, env, "account list", views, func(w io.Writer) {
		if len(views) == 0 {
			fmt.Fprintln(w, DimStyle.Render("no accounts"))
			return
		}
		fmt.Fprintln(w, RenderTable([]string{"ID", "ROLE", "PHONE", "NAME", "CREATED"}, rows))
	})
}

// accountSetSecret handles set-password (parents, admins) and set-pin
// (children).
func accountSetSecret(ctx context.Context, a *app.App, args *ArgParser, env Env, sub string) error {
	wantPassword := sub == "set-password"
	what := "PIN"
	if wantPassword {
		what = "password"
	}
	id := args.Positional(1)
	if id == "" {
		return usageErr("choreboard-auth account "+sub+" <account-id>", "missing account id")
	}
	acct, err := a.Accounts.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("account %s: %w", id, err)
	}
	if acct.Role.UsesPassword() != wantPassword {
		return usageErr(accountUsage, "%s accounts do not use a %s", acct.Role, what)
	}

	secret, err := readSecret(env.Stdin, env.Stderr, what, args.BoolFlag("stdin"))
	if err != nil {
		return err
	}
	if wantPassword {
		err = a.Credentials.SetPassword(ctx, id, secret)
	} else {
		err = a.Credentials.SetPIN(ctx, id, secret)
	}
	if err != nil {
		return err
	}

	result := map[string]string{"account_id": id, "updated": what}
	return emit(args, env, "account "+sub, result, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s updated for %s\n", RenderStatus("ok"), what, id)
	})
}
