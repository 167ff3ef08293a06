package store

import (
	"context"
	"sync"
	"time"

	"agentregistry/pkg/domain"
)

// MemoryStore keeps records in-process and enforces the same unique indexes
// as the database drivers.
type MemoryStore struct {
	mu         sync.RWMutex
	agents     map[string]domain.Agent
	agentOrder []string
	users      map[string]domain.User
	userOrder  []string
	now        func() time.Time
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[string]domain.Agent),
		users:  make(map[string]domain.User),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error  { return ctx.Err() }
func (m *MemoryStore) Close(ctx context.Context) error { return nil }

// InsertAgent stores a new agent, rejecting unique index collisions.
func (m *MemoryStore) InsertAgent(ctx context.Context, agent domain.Agent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.agents[agent.AgentID]; exists {
		return "", &DuplicateKeyError{Field: "agentId"}
	}
	if field := m.agentConflict(agent, ""); field != "" {
		return "", &DuplicateKeyError{Field: field}
	}
	stampCreated(&agent.CreatedAt, &agent.UpdatedAt, m.now())
	agent.Documents = copyDocs(agent.Documents)
	m.agents[agent.AgentID] = agent
	m.agentOrder = append(m.agentOrder, agent.AgentID)
	return agent.AgentID, nil
}

func (m *MemoryStore) agentConflict(agent domain.Agent, selfID string) string {
	for id, existing := range m.agents {
		if id == selfID {
			continue
		}
		if existing.Email == agent.Email {
			return FieldEmail
		}
		if existing.MobileNumber == agent.MobileNumber {
			return FieldMobileNumber
		}
	}
	return ""
}

func (m *MemoryStore) FindAgent(ctx context.Context, field, value string) (domain.Agent, bool, error) {
	if err := checkAgentField(field); err != nil {
		return domain.Agent{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return domain.Agent{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.agentOrder {
		a := m.agents[id]
		if (field == FieldEmail && a.Email == value) || (field == FieldMobileNumber && a.MobileNumber == value) {
			return cloneAgent(a), true, nil
		}
	}
	return domain.Agent{}, false, nil
}

func (m *MemoryStore) GetAgent(ctx context.Context, id string) (domain.Agent, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Agent{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return domain.Agent{}, false, nil
	}
	return cloneAgent(a), true, nil
}

// ListAgents returns agents in insertion order.
func (m *MemoryStore) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Agent, 0, len(m.agentOrder))
	for _, id := range m.agentOrder {
		res = append(res, cloneAgent(m.agents[id]))
	}
	return res, nil
}

func (m *MemoryStore) UpdateAgent(ctx context.Context, id string, patch domain.AgentPatch) (domain.Agent, error) {
	if err := ctx.Err(); err != nil {
		return domain.Agent{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.agents[id]
	if !ok {
		return domain.Agent{}, ErrNotFound
	}
	updated := patch.Apply(current)
	if field := m.agentConflict(updated, id); field != "" {
		return domain.Agent{}, &DuplicateKeyError{Field: field}
	}
	updated.UpdatedAt = m.now()
	m.agents[id] = updated
	return cloneAgent(updated), nil
}

func (m *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return ErrNotFound
	}
	delete(m.agents, id)
	m.agentOrder = without(m.agentOrder, id)
	return nil
}

// InsertUser stores a new user, rejecting unique index collisions.
func (m *MemoryStore) InsertUser(ctx context.Context, user domain.User) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[user.UserID]; exists {
		return "", &DuplicateKeyError{Field: "userId"}
	}
	if field := m.userConflict(user, ""); field != "" {
		return "", &DuplicateKeyError{Field: field}
	}
	stampCreated(&user.CreatedAt, &user.UpdatedAt, m.now())
	m.users[user.UserID] = user
	m.userOrder = append(m.userOrder, user.UserID)
	return user.UserID, nil
}

func (m *MemoryStore) userConflict(user domain.User, selfID string) string {
	for id, existing := range m.users {
		if id == selfID {
			continue
		}
		if existing.Email == user.Email {
			return FieldEmail
		}
		if existing.OfficialEmail == user.OfficialEmail {
			return FieldOfficialEmail
		}
	}
	return ""
}

func (m *MemoryStore) FindUser(ctx context.Context, field, value string) (domain.User, bool, error) {
	if err := checkUserField(field); err != nil {
		return domain.User{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return domain.User{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.userOrder {
		u := m.users[id]
		if (field == FieldEmail && u.Email == value) || (field == FieldOfficialEmail && u.OfficialEmail == value) {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (domain.User, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.User{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// ListUsers returns users in insertion order.
func (m *MemoryStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0, len(m.userOrder))
	for _, id := range m.userOrder {
		res = append(res, m.users[id])
	}
	return res, nil
}

func (m *MemoryStore) UpdateUser(ctx context.Context, id string, patch domain.UserPatch) (domain.User, error) {
	if err := ctx.Err(); err != nil {
		return domain.User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.users[id]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	updated := patch.Apply(current)
	if field := m.userConflict(updated, id); field != "" {
		return domain.User{}, &DuplicateKeyError{Field: field}
	}
	updated.UpdatedAt = m.now()
	m.users[id] = updated
	return updated, nil
}

func (m *MemoryStore) DeleteUser(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	m.userOrder = without(m.userOrder, id)
	return nil
}

func without(ids []string, id string) []string {
	filtered := ids[:0]
	for _, item := range ids {
		if item != id {
			filtered = append(filtered, item)
		}
	}
	return filtered
}

func cloneAgent(a domain.Agent) domain.Agent {
	a.Documents = copyDocs(a.Documents)
	return a
}

func copyDocs(docs map[string]string) map[string]string {
	if len(docs) == 0 {
		return nil
	}
	out := make(map[string]string, len(docs))
	for k, v := range docs {
		out[k] = v
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
