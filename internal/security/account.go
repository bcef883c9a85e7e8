// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// ROLES
// =============================================================================

// Role is the closed set of account classes. The zero value is invalid so an
// unset role never passes a switch by accident.
type Role uint8

const (
	RoleAdmin Role = iota + 1
	RoleParent
	RoleChild
)

// String returns the stored name of the role.
func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleParent:
		return "parent"
	case RoleChild:
		return "child"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Valid reports whether r is one of the three account classes.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleParent || r == RoleChild
}

// UsesPassword reports whether the role signs in with password or SMS code.
func (r Role) UsesPassword() bool {
	switch r {
	case RoleAdmin, RoleParent:
		return true
	case RoleChild:
		return false
	default:
		return false
	}
}

// ParseRole converts a stored role name back into a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin":
		return RoleAdmin, nil
	case "parent":
		return RoleParent, nil
	case "child":
		return RoleChild, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid role %d", uint8(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// Account is a principal as seen by the auth core. Parents and admins carry a
// phone and optionally a password hash; children carry only a PIN hash.
type Account struct {
	ID           string
	Role         Role
	Phone        string
	DisplayName  string
	PasswordHash []byte
	PINHash      []byte
	CreatedAt    time.Time
}

// AccountStore is the account lookup and credential persistence surface.
// Lookups return ErrNotFound when nothing matches.
type AccountStore interface {
	FindByID(ctx context.Context, id string) (*Account, error)
	FindByPhone(ctx context.Context, phone string) (*Account, error)
	SetPasswordHash(ctx context.Context, id string, hash []byte) error
	SetPINHash(ctx context.Context, id string, hash []byte) error
}

// MemoryAccountStore is an in-process AccountStore used by tests and the
// development server.
type MemoryAccountStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

// NewMemoryAccountStore creates an empty store.
func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{accounts: make(map[string]Account)}
}

// Create adds acct. Phones must be unique among accounts that have one.
func (s *MemoryAccountStore) Create(ctx context.Context, acct *Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if acct.ID == "" || !acct.Role.Valid() {
		return fmt.Errorf("create account: id and valid role required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[acct.ID]; exists {
		return fmt.Errorf("create account: %s already exists", acct.ID)
	}
	if acct.Phone != "" {
		for _, other := range s.accounts {
			if other.Phone == acct.Phone {
				return fmt.Errorf("create account: phone already registered")
			}
		}
	}
	s.accounts[acct.ID] = cloneAccount(*acct)
	return nil
}

func (s *MemoryAccountStore) FindByID(ctx context.Context, id string) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneAccount(acct)
	return &out, nil
}

func (s *MemoryAccountStore) FindByPhone(ctx context.Context, phone string) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if phone == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, acct := range s.accounts {
		if acct.Phone == phone {
			out := cloneAccount(acct)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryAccountStore) SetPasswordHash(ctx context.Context, id string, hash []byte) error {
	return s.mutate(ctx, id, func(a *Account) { a.PasswordHash = append([]byte(nil), hash...) })
}

func (s *MemoryAccountStore) SetPINHash(ctx context.Context, id string, hash []byte) error {
	return s.mutate(ctx, id, func(a *Account) { a.PINHash = append([]byte(nil), hash...) })
}

func (s *MemoryAccountStore) mutate(ctx context.Context, id string, fn func(*Account)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	fn(&acct)
	s.accounts[id] = acct
	return nil
}

func cloneAccount(a Account) Account {
	a.PasswordHash = append([]byte(nil), a.PasswordHash...)
	a.PINHash = append([]byte(nil), a.PINHash...)
	return a
}
