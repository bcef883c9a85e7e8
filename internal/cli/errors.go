// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"

	"github.com/choreboard/choreboard-auth/internal/config"
	"github.com/choreboard/choreboard-auth/internal/security"
)

// Exit codes.
const (
	ExitSuccess       = 0
	ExitGeneralError  = 1
	ExitUsageError    = 2
	ExitConfigError   = 3
	ExitNotFoundError = 7
)

// UsageError reports a malformed command line.
type UsageError struct {
	Message string
	Usage   string
}

func (e *UsageError) Error() string {
	if e.Usage == "" {
		return e.Message
	}
	return fmt.Sprintf("%s\nusage: %s", e.Message, e.Usage)
}

func usageErr(usage, format string, args ...any) error {
	return &UsageError{Message: fmt.Sprintf(format, args...), Usage: usage}
}

// configError marks failures to load or validate configuration.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// GetExitCode maps err to a process exit code.
func GetExitCode(err error) int {
	var (
		usage   *UsageError
		cfgErr  *configError
		invalid config.ValidateErrors
	)
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &usage):
		return ExitUsageError
	case errors.As(err, &cfgErr), errors.As(err, &invalid):
		return ExitConfigError
	case errors.Is(err, security.ErrNotFound):
		return ExitNotFoundError
	default:
		return ExitGeneralError
	}
}
