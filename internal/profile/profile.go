// Package profile supplies the claims about a subject that go into identity
// tokens, backed by a JSON file user store.
package profile

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"sync"
	"time"

	"crawshaw.dev/jsonfile"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// Provider supplies claims for a subject. Claims must be a pure function of
// the subject's stored profile.
type Provider interface {
	// IsActive reports whether tokens may still be issued for the subject.
	// Unknown subjects are inactive.
	IsActive(ctx context.Context, subject string) (bool, error)
	// Claims returns every claim known about the subject. Callers filter
	// them down to what the granted scopes allow.
	Claims(ctx context.Context, subject string) (map[string]any, error)
}

// UserDB is the on-disk user store.
type UserDB struct {
	Users []*User `json:"users,omitzero"`
}

// User is an account in the identity store.
type User struct {
	// ID is the immutable subject identifier.
	ID            string            `json:"id"`
	Username      string            `json:"username"`
	Email         string            `json:"email,omitzero"`
	EmailVerified bool              `json:"emailVerified,omitzero"`
	Name          string            `json:"name,omitzero"`
	GivenName     string            `json:"givenName,omitzero"`
	FamilyName    string            `json:"familyName,omitzero"`
	PasswordHash  string            `json:"passwordHash,omitzero"`
	Groups        []string          `json:"groups,omitzero"`
	Roles         []string          `json:"roles,omitzero"`
	Active        bool              `json:"active"`
	Metadata      map[string]string `json:"metadata,omitzero"`
	CreatedAt     time.Time         `json:"createdAt,omitzero"`
	UpdatedAt     time.Time         `json:"updatedAt,omitzero"`
}

// Claims maps the user to standard OIDC claim names.
func (u *User) Claims() map[string]any {
	c := map[string]any{
		"sub":                u.ID,
		"preferred_username": u.Username,
	}
	given, family := u.GivenName, u.FamilyName
	if u.Name != "" {
		c["name"] = u.Name
		if nsp := strings.Fields(u.Name); given == "" && family == "" && len(nsp) == 2 {
			given, family = nsp[0], nsp[1]
		}
	}
	if given != "" {
		c["given_name"] = given
	}
	if family != "" {
		c["family_name"] = family
	}
	if u.Email != "" {
		c["email"] = u.Email
		c["email_verified"] = u.EmailVerified
		c["picture"] = gravatarURL(u.Email)
	}
	if len(u.Groups) > 0 {
		c["groups"] = slices.Clone(u.Groups)
	}
	if len(u.Roles) > 0 {
		c["role"] = slices.Clone(u.Roles)
	}
	if !u.UpdatedAt.IsZero() {
		c["updated_at"] = u.UpdatedAt.Unix()
	}
	for k, v := range u.Metadata {
		if _, ok := c[k]; !ok {
			c[k] = v
		}
	}
	return c
}

func gravatarURL(email string) string {
	hash := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return fmt.Sprintf("https://www.gravatar.com/avatar/%x.png", hash)
}

var _ Provider = (*Store)(nil)

// Store is a Provider backed by a JSON file.
type Store struct {
	db *jsonfile.JSONFile[UserDB]
}

// OpenStore opens the user store at path, creating it if it does not exist.
func OpenStore(path string) (*Store, error) {
	db, err := jsonfile.Load[UserDB](path)
	if errors.Is(err, fs.ErrNotExist) {
		db, err = jsonfile.New[UserDB](path)
		if err != nil {
			return nil, fmt.Errorf("create user store: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load user store from %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) find(pred func(*User) bool) *User {
	var found *User
	s.db.Read(func(db *UserDB) {
		for _, u := range db.Users {
			if pred(u) {
				cp := *u
				found = &cp
				return
			}
		}
	})
	return found
}

// GetUser returns the user by subject ID.
func (s *Store) GetUser(_ context.Context, id string) (*User, error) {
	u := s.find(func(u *User) bool { return u.ID == id })
	if u == nil {
		return nil, ErrUserNotFound
	}
	return u, nil
}

// ListUsers returns all users.
func (s *Store) ListUsers(_ context.Context) []*User {
	var users []*User
	s.db.Read(func(db *UserDB) {
		for _, u := range db.Users {
			cp := *u
			users = append(users, &cp)
		}
	})
	return users
}

func (s *Store) IsActive(ctx context.Context, subject string) (bool, error) {
	u, err := s.GetUser(ctx, subject)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.Active, nil
}

func (s *Store) Claims(ctx context.Context, subject string) (map[string]any, error) {
	u, err := s.GetUser(ctx, subject)
	if err != nil {
		return nil, err
	}
	return u.Claims(), nil
}

var dummyPasswordHash = sync.OnceValue(func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
})

// CheckPassword returns the active user matching the username and password.
// All failures return ErrInvalidCredentials.
func (s *Store) CheckPassword(_ context.Context, username, password string) (*User, error) {
	u := s.find(func(u *User) bool { return strings.EqualFold(u.Username, username) })
	if u == nil || u.PasswordHash == "" {
		_ = bcrypt.CompareHashAndPassword(dummyPasswordHash(), []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !u.Active {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// AddUser creates a user, hashing the password. The ID is assigned if
// empty. Usernames are unique, case insensitively.
func (s *Store) AddUser(_ context.Context, u *User, password string) (*User, error) {
	if u.Username == "" {
		return nil, errors.New("username is required")
	}
	nu := *u
	if nu.ID == "" {
		nu.ID = uuid.NewString()
	}
	if password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		nu.PasswordHash = string(h)
	}
	now := time.Now()
	nu.CreatedAt = now
	nu.UpdatedAt = now

	if err := s.db.Write(func(db *UserDB) error {
		for _, eu := range db.Users {
			if eu.ID == nu.ID || strings.EqualFold(eu.Username, nu.Username) {
				return ErrUserExists
			}
		}
		db.Users = append(db.Users, &nu)
		return nil
	}); err != nil {
		return nil, err
	}
	return &nu, nil
}

// SetActive enables or disables a user. Disabled users can't log in, and no
// further tokens are issued for them.
func (s *Store) SetActive(_ context.Context, id string, active bool) error {
	return s.db.Write(func(db *UserDB) error {
		for _, u := range db.Users {
			if u.ID == id {
				u.Active = active
				u.UpdatedAt = time.Now()
				return nil
			}
		}
		return ErrUserNotFound
	})
}
