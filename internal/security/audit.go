// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pitabwire/util"

	"github.com/choreboard/choreboard-auth/internal/clock"
	cbutil "github.com/choreboard/choreboard-auth/internal/util"
)

// =============================================================================
// AUDIT ENTRY
// =============================================================================

// AuditAction names a security-relevant event.
type AuditAction string

const (
	ActionLoginSuccess  AuditAction = "login_success"
	ActionLoginFailed   AuditAction = "login_failed"
	ActionLoginLocked   AuditAction = "login_locked"
	ActionOTPSent       AuditAction = "otp_sent"
	ActionLogout        AuditAction = "logout"
	ActionSessionLocked AuditAction = "session_locked"
	ActionLockoutReset  AuditAction = "lockout_reset"
)

// Login methods recorded under the "method" metadata key.
const (
	MethodPassword = "password"
	MethodOTP      = "otp"
	MethodPIN      = "pin"
)

// maxMetadataValue bounds a single metadata value.
const maxMetadataValue = 200

// AuditEntry is one immutable audit record. AccountID is empty when the
// attempt could not be tied to an account.
type AuditEntry struct {
	ID            string            `json:"id"`
	AccountID     string            `json:"account_id,omitempty"`
	Action        AuditAction       `json:"action"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	SourceAddress string            `json:"source_address,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// AuditSink appends audit entries. Implementations never modify or delete
// what they have recorded.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// AuditReader is implemented by sinks that can return their newest entries,
// oldest first.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]AuditEntry, error)
}

// secretKeys are metadata keys whose values are dropped outright.
var secretKeys = map[string]struct{}{
	"password": {},
	"pin":      {},
	"code":     {},
	"otp":      {},
	"token":    {},
	"secret":   {},
}

// SanitizeMetadata returns a copy of meta with secret-bearing keys redacted
// and long values truncated.
func SanitizeMetadata(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if _, secret := secretKeys[strings.ToLower(k)]; secret {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = cbutil.TruncateRunes(v, maxMetadataValue)
	}
	return out
}

// auditRecorder builds entries and hands them to a sink. A failing sink is
// logged and never changes the outcome of the operation being audited.
type auditRecorder struct {
	sink  AuditSink
	clock clock.Clock
}

func (r auditRecorder) record(ctx context.Context, accountID string, action AuditAction, source string, meta map[string]string) {
	if r.sink == nil {
		return
	}
	now := time.Now()
	if r.clock != nil {
		now = r.clock.Now()
	}
	entry := AuditEntry{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		Action:        action,
		Metadata:      SanitizeMetadata(meta),
		SourceAddress: source,
		Timestamp:     now.UTC(),
	}
	if err := r.sink.Record(ctx, entry); err != nil {
		util.Log(ctx).WithError(err).WithField("action", string(action)).Error("audit record failed")
	}
}

// =============================================================================
// MEMORY SINK
// =============================================================================

// MemoryAuditSink keeps entries in process memory.
type MemoryAuditSink struct {
	mu      sync.RWMutex
	entries []AuditEntry
}

// NewMemoryAuditSink creates an empty sink.
func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{}
}

func (s *MemoryAuditSink) Record(ctx context.Context, entry AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry.Metadata = copyMetadata(entry.Metadata)
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
	return nil
}

// Entries returns a copy of everything recorded.
func (s *MemoryAuditSink) Entries() []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuditEntry, len(s.entries))
	for i, e := range s.entries {
		e.Metadata = copyMetadata(e.Metadata)
		out[i] = e
	}
	return out
}

func (s *MemoryAuditSink) Recent(ctx context.Context, limit int) ([]AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all := s.Entries()
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// =============================================================================
// FILE SINK
// =============================================================================

// FileAuditSink appends entries as JSON lines and fsyncs after each write.
type FileAuditSink struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// NewFileAuditSink opens (or creates) the audit file at path with 0600.
func NewFileAuditSink(path string) (*FileAuditSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return &FileAuditSink{path: path, file: f}, nil
}

// Path returns the file the sink appends to.
func (s *FileAuditSink) Path() string {
	return s.path
}

func (s *FileAuditSink) Record(ctx context.Context, entry AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("audit log %s is closed", s.path)
	}
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	return nil
}

// Recent reads the file and returns the last limit entries. Lines that do
// not parse are skipped.
func (s *FileAuditSink) Recent(ctx context.Context, limit int) ([]AuditEntry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var e AuditEntry
		if json.Unmarshal(scanner.Bytes(), &e) != nil {
			continue
		}
		entries = append(entries, e)
		if limit > 0 && len(entries) > limit {
			entries = entries[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return entries, nil
}

// Close flushes and closes the file. Further Record calls fail.
func (s *FileAuditSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
