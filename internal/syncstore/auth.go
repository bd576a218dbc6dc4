package syncstore

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
)

// Session is the explicit per-client principal holder. Constructors
// receive it (or any other AuthGate) directly; there is no process-wide
// current user.
type Session struct {
	principal Principal
}

func NewSession(p Principal) *Session {
	return &Session{principal: p}
}

func (s *Session) CurrentPrincipal() Principal {
	if s == nil {
		return Principal{}
	}
	return s.principal
}

// UserPatch carries optional user fields for UpdateUser; empty strings
// leave the current value alone.
type UserPatch struct {
	Password string
	Name     string
	Dept     string
	Role     Role
}

// UserDirectory manages the principals collection on top of a synced
// store. Administration is admin-gated; authentication checks
// credentials against the collection and nothing else. There is no
// bypass account.
type UserDirectory struct {
	users *Store[User]
	gate  AuthGate
	// adminID is the seeded bootstrap admin, protected from deletion.
	adminID string
}

func NewUserDirectory(users *Store[User], gate AuthGate) *UserDirectory {
	return &UserDirectory{users: users, gate: gate}
}

// SeedDefaults installs the bootstrap admin account, but only when the
// collection is empty. The credentials come from the operator; nothing
// is hardcoded.
func (d *UserDirectory) SeedDefaults(ctx context.Context, admin User) error {
	if strings.TrimSpace(admin.ID) == "" || admin.Password == "" {
		return fmt.Errorf("%w: bootstrap admin needs an id and password", ErrInvalidInput)
	}
	existing, err := d.users.Load(ctx, Filter{})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		d.adminID = findAdminID(existing)
		return nil
	}
	admin.Role = RoleAdmin
	if err := d.users.Save(ctx, Filter{}, admin); err != nil {
		return err
	}
	d.adminID = admin.ID
	return nil
}

func findAdminID(users []User) string {
	for _, u := range users {
		if u.Role == RoleAdmin {
			return u.ID
		}
	}
	return ""
}

// Authenticate resolves a principal from credentials. Failures are
// indistinguishable between unknown user and wrong password.
func (d *UserDirectory) Authenticate(ctx context.Context, id, password string) (Principal, error) {
	users, err := d.users.Load(ctx, Filter{})
	if err != nil {
		return Principal{}, err
	}
	for _, u := range users {
		idMatch := subtle.ConstantTimeCompare([]byte(u.ID), []byte(id)) == 1
		pwMatch := subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) == 1
		if idMatch && pwMatch {
			return Principal{ID: u.ID, Name: u.Name, Dept: u.Dept, Role: u.Role}, nil
		}
	}
	return Principal{}, ErrInvalidCredentials
}

// Register adds a user. Admin only; duplicate ids are refused.
func (d *UserDirectory) Register(ctx context.Context, user User) error {
	if !d.gate.CurrentPrincipal().IsAdmin() {
		return fmt.Errorf("%w: registering users requires the admin role", ErrPermission)
	}
	if strings.TrimSpace(user.ID) == "" || user.Password == "" || strings.TrimSpace(user.Name) == "" {
		return fmt.Errorf("%w: id, password and name are required", ErrInvalidInput)
	}
	if user.Role == "" {
		user.Role = RoleUser
	}
	existing, err := d.users.Load(ctx, Filter{})
	if err != nil {
		return err
	}
	for _, u := range existing {
		if u.ID == user.ID {
			return fmt.Errorf("%w: user %q already exists", ErrInvalidInput, user.ID)
		}
	}
	return d.users.Save(ctx, Filter{}, user)
}

// UpdateUser patches a user record. Admin only.
func (d *UserDirectory) UpdateUser(ctx context.Context, id string, patch UserPatch) error {
	if !d.gate.CurrentPrincipal().IsAdmin() {
		return fmt.Errorf("%w: updating users requires the admin role", ErrPermission)
	}
	_, err := d.users.Update(ctx, Filter{}, id, func(u *User) error {
		if patch.Password != "" {
			u.Password = patch.Password
		}
		if patch.Name != "" {
			u.Name = patch.Name
		}
		if patch.Dept != "" {
			u.Dept = patch.Dept
		}
		if patch.Role != "" {
			u.Role = patch.Role
		}
		return nil
	})
	return err
}

// DeleteUser removes a user. Admin only; the seeded bootstrap admin
// cannot be removed.
func (d *UserDirectory) DeleteUser(ctx context.Context, id string) error {
	if !d.gate.CurrentPrincipal().IsAdmin() {
		return fmt.Errorf("%w: deleting users requires the admin role", ErrPermission)
	}
	if d.adminID != "" && id == d.adminID {
		return fmt.Errorf("%w: the bootstrap admin cannot be deleted", ErrInvalidInput)
	}
	return d.users.Delete(ctx, Filter{}, id, nil)
}

// Users lists the directory with passwords stripped.
func (d *UserDirectory) Users(ctx context.Context) ([]User, error) {
	users, err := d.users.Load(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	out := make([]User, len(users))
	for i, u := range users {
		u.Password = ""
		out[i] = u
	}
	return out, nil
}

// UserCount serves the admin dashboard badge from the cached snapshot.
func (d *UserDirectory) UserCount() int {
	return len(d.users.Snapshot(Filter{}))
}
