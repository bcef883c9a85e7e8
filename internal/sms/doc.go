// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sms delivers one-time login codes.
//
// HTTPSender posts to an SMS gateway with bounded retries. LogSender writes
// the code to the operational log and is meant for local development only.
// Both implement security.CodeSender.
package sms
