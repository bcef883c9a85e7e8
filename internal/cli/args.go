// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strconv"
	"strings"
)

// =============================================================================
// ARG PARSER
// =============================================================================

// ArgParser splits command arguments into a subcommand, positional
// arguments and flags. Supported forms:
//
//	--flag value     value flag
//	--flag=value     value flag
//	-f value         short value flag
//	--flag           boolean flag
//
// Flags named in boolNames never consume the following argument, so
// "lockout --json list" keeps "list" as the subcommand.
type ArgParser struct {
	subcommand string
	flags      map[string]string
	boolFlags  map[string]bool
	positional []string
}

// globalBoolFlags are boolean for every command.
var globalBoolFlags = []string{"json", "stdin", "force", "help", "h"}

// NewArgParser parses raw. The first positional argument is the subcommand.
//
//	p := NewArgParser([]string{"reset", "13800000100", "--source", "pin", "--json"})
//	p.Subcommand()     // "reset"
//	p.Positional(1)    // "13800000100"
//	p.Flag("source")   // "pin"
//	p.BoolFlag("json") // true
func NewArgParser(raw []string, boolNames ...string) *ArgParser {
	isBool := make(map[string]bool, len(boolNames)+len(globalBoolFlags))
	for _, n := range append(boolNames, globalBoolFlags...) {
		isBool[n] = true
	}
	p := &ArgParser{
		flags:     make(map[string]string),
		boolFlags: make(map[string]bool),
	}

	for i := 0; i < len(raw); i++ {
		arg := raw[i]
		if arg == "--" {
			p.positional = append(p.positional, raw[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			p.positional = append(p.positional, arg)
			continue
		}

		name := strings.TrimLeft(arg, "-")
		if k, v, ok := strings.Cut(name, "="); ok {
			if b, err := strconv.ParseBool(v); err == nil && isBool[k] {
				p.boolFlags[k] = b
			} else {
				p.flags[k] = v
			}
			continue
		}
		if !isBool[name] && i+1 < len(raw) && !strings.HasPrefix(raw[i+1], "-") {
			p.flags[name] = raw[i+1]
			i++
			continue
		}
		p.boolFlags[name] = true
	}

	if len(p.positional) > 0 {
		p.subcommand = p.positional[0]
	}
	return p
}

// Subcommand returns the first positional argument, or "".
func (p *ArgParser) Subcommand() string {
	return p.subcommand
}

// Flag returns the value of a value flag, or "".
func (p *ArgParser) Flag(name string) string {
	return p.flags[strings.TrimLeft(name, "-")]
}

// FlagOrDefault returns the flag value or def when unset.
func (p *ArgParser) FlagOrDefault(name, def string) string {
	if v := p.Flag(name); v != "" {
		return v
	}
	return def
}

// FlagIntOrDefault parses the flag as a positive integer, falling back to
// def when unset. A set but invalid value is an error.
func (p *ArgParser) FlagIntOrDefault(name string, def int) (int, error) {
	v := p.Flag(name)
	if v == "" {
		return def, nil
	}
	return ParseIntWithValidation(v, "--"+name)
}

// BoolFlag reports whether a boolean flag was set.
func (p *ArgParser) BoolFlag(name string) bool {
	return p.boolFlags[strings.TrimLeft(name, "-")]
}

// Positional returns the positional argument at index (0 is the
// subcommand), or "".
func (p *ArgParser) Positional(index int) string {
	if index < 0 || index >= len(p.positional) {
		return ""
	}
	return p.positional[index]
}

// PositionalCount returns the number of positional arguments.
func (p *ArgParser) PositionalCount() int {
	return len(p.positional)
}

// HasFlag reports whether name was given in either form.
func (p *ArgParser) HasFlag(name string) bool {
	name = strings.TrimLeft(name, "-")
	_, v := p.flags[name]
	_, b := p.boolFlags[name]
	return v || b
}

// ParseIntWithValidation parses a positive integer.
func ParseIntWithValidation(s, field string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("%s is required", field)
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", field, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", field, v)
	}
	return v, nil
}
