package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"agentregistry/pkg/domain"
)

// Collection names shared by every driver.
const (
	AgentsCollection = "agents"
	UsersCollection  = "add_users"
)

// Unique lookup fields. FindAgent and FindUser only accept these.
const (
	FieldEmail         = "email"
	FieldMobileNumber  = "mobileNumber"
	FieldOfficialEmail = "officialEmail"
)

var (
	// ErrNotFound is returned when no record matches the identifier.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateKey matches any *DuplicateKeyError via errors.Is.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrUnsupportedField is returned for lookups on a non-indexed field.
	ErrUnsupportedField = errors.New("unsupported lookup field")
)

// DuplicateKeyError reports a unique index violation. Field is empty when the
// driver could not tell which index was hit.
type DuplicateKeyError struct {
	Field string
	Err   error
}

func (e *DuplicateKeyError) Error() string {
	if e.Field == "" {
		return "duplicate key"
	}
	return fmt.Sprintf("duplicate key on %s", e.Field)
}

func (e *DuplicateKeyError) Is(target error) bool { return target == ErrDuplicateKey }

func (e *DuplicateKeyError) Unwrap() error { return e.Err }

// AgentStore persists agent records keyed by agentId.
type AgentStore interface {
	InsertAgent(ctx context.Context, agent domain.Agent) (string, error)
	FindAgent(ctx context.Context, field, value string) (domain.Agent, bool, error)
	GetAgent(ctx context.Context, id string) (domain.Agent, bool, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)
	UpdateAgent(ctx context.Context, id string, patch domain.AgentPatch) (domain.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
}

// UserStore persists user records keyed by userId.
type UserStore interface {
	InsertUser(ctx context.Context, user domain.User) (string, error)
	FindUser(ctx context.Context, field, value string) (domain.User, bool, error)
	GetUser(ctx context.Context, id string) (domain.User, bool, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	UpdateUser(ctx context.Context, id string, patch domain.UserPatch) (domain.User, error)
	DeleteUser(ctx context.Context, id string) error
}

// Store is the record store handle owned by the process.
type Store interface {
	AgentStore
	UserStore
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

func checkAgentField(field string) error {
	switch field {
	case FieldEmail, FieldMobileNumber:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedField, field)
}

func checkUserField(field string) error {
	switch field {
	case FieldEmail, FieldOfficialEmail:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedField, field)
}

// duplicateField guesses which unique field a driver error message refers to.
// Longer names are tried first so "officialEmail" wins over "email".
func duplicateField(msg string, fields ...string) string {
	lower := strings.ToLower(msg)
	best := ""
	for _, f := range fields {
		if strings.Contains(lower, strings.ToLower(f)) || strings.Contains(lower, snakeCase(f)) {
			if len(f) > len(best) {
				best = f
			}
		}
	}
	return best
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stampCreated fills creation timestamps unless the caller already set them.
func stampCreated(created, updated *time.Time, now time.Time) {
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = *created
	}
}
