// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/choreboard/choreboard-auth/internal/security"
)

const (
	auditUsage        = "choreboard-auth audit tail [--limit N]"
	defaultAuditLimit = 20
)

func runAudit(ctx context.Context, args *ArgParser, env Env) error {
	switch args.Subcommand() {
	case "tail", "":
	default:
		return usageErr(auditUsage, "unknown subcommand %q", args.Subcommand())
	}
	limit, err := args.FlagIntOrDefault("limit", defaultAuditLimit)
	if err != nil {
		return usageErr(auditUsage, "%v", err)
	}

	a, err := openApp(ctx, args)
	if err != nil {
		return err
	}
	defer a.Close()

	reader, err := a.AuditReader()
	if err != nil {
		return err
	}
	entries, err := reader.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []security.AuditEntry{}
	}
	return emit(args, env, "audit tail", entries, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, DimStyle.Render("audit log is empty"))
			return
		}
		for _, e := range entries {
			fmt.Fprintln(w, formatAuditEntry(e))
		}
	})
}

// formatAuditEntry renders one entry on a single line with metadata keys
// sorted.
func formatAuditEntry(e security.AuditEntry) string {
	var b strings.Builder
	b.WriteString(DimStyle.Render(e.Timestamp.Local().Format(time.DateTime)))
	b.WriteString(" ")
	b.WriteString(actionStyle(e.Action).Render(fmt.Sprintf("%-15s", e.Action)))
	if e.AccountID != "" {
		b.WriteString(" account=" + e.AccountID)
	}
	if e.SourceAddress != "" {
		b.WriteString(" source=" + e.SourceAddress)
	}
	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" " + k + "=" + e.Metadata[k])
	}
	return b.String()
}

func actionStyle(action security.AuditAction) lipgloss.Style {
	switch action {
	case security.ActionLoginFailed, security.ActionLoginLocked, security.ActionSessionLocked:
		return WarningStyle
	case security.ActionLoginSuccess:
		return SuccessStyle
	default:
		return ValueStyle
	}
}
