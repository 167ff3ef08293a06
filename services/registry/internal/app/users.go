package app

import (
	"context"
	"errors"
	"strings"

	"agentregistry/internal/util"
	"agentregistry/pkg/auth"
	"agentregistry/pkg/domain"
	"agentregistry/pkg/store"
)

// CreateUserRequest is the body of a user create call.
type CreateUserRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	OfficialEmail   string `json:"officialEmail"`
	Role            string `json:"role"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

// UpdateUserRequest replaces the provided fields. A new password is hashed
// before it is stored.
type UpdateUserRequest struct {
	Username        *string `json:"username"`
	Email           *string `json:"email"`
	OfficialEmail   *string `json:"officialEmail"`
	Role            *string `json:"role"`
	Password        *string `json:"password"`
	ConfirmPassword *string `json:"confirmPassword"`
}

func (a *App) CreateUser(ctx context.Context, req CreateUserRequest) (domain.User, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	req.OfficialEmail = strings.TrimSpace(req.OfficialEmail)
	req.Role = strings.TrimSpace(req.Role)
	for _, f := range []struct{ name, value string }{
		{"username", req.Username},
		{"email", req.Email},
		{"officialEmail", req.OfficialEmail},
		{"role", req.Role},
		{"password", req.Password},
	} {
		if f.value == "" {
			return domain.User{}, required(f.name)
		}
	}
	if req.ConfirmPassword != "" && req.ConfirmPassword != req.Password {
		return domain.User{}, &ValidationError{Field: "confirmPassword", Reason: ReasonMismatch}
	}
	if err := a.checkUserUnique(ctx, "", req.Email, req.OfficialEmail); err != nil {
		return domain.User{}, err
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return domain.User{}, err
	}
	now := a.now()
	user := domain.User{
		UserID:        a.newID(),
		Username:      req.Username,
		Email:         req.Email,
		OfficialEmail: req.OfficialEmail,
		Role:          req.Role,
		PasswordHash:  hash,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := a.store.InsertUser(ctx, user); err != nil {
		return domain.User{}, storeWriteErr("insert user", err)
	}
	util.LoggerFromContext(ctx).Info("user created", "user_id", user.UserID)
	return user, nil
}

func (a *App) ListUsers(ctx context.Context) ([]domain.User, error) {
	users, err := a.store.ListUsers(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "list users", Err: err}
	}
	return users, nil
}

func (a *App) GetUser(ctx context.Context, id string) (domain.User, error) {
	user, ok, err := a.store.GetUser(ctx, id)
	if err != nil {
		return domain.User{}, &PersistenceError{Op: "get user", Err: err}
	}
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return user, nil
}

func (a *App) UpdateUser(ctx context.Context, id string, req UpdateUserRequest) (domain.User, error) {
	for _, v := range []*string{req.Username, req.Email, req.OfficialEmail, req.Role} {
		trimInPlace(v)
	}
	for _, f := range []struct {
		name  string
		value *string
	}{
		{"username", req.Username},
		{"email", req.Email},
		{"officialEmail", req.OfficialEmail},
		{"role", req.Role},
		{"password", req.Password},
	} {
		if f.value != nil && *f.value == "" {
			return domain.User{}, required(f.name)
		}
	}
	if req.Password != nil && req.ConfirmPassword != nil && *req.ConfirmPassword != *req.Password {
		return domain.User{}, &ValidationError{Field: "confirmPassword", Reason: ReasonMismatch}
	}
	patch := domain.UserPatch{
		Username:      req.Username,
		Email:         req.Email,
		OfficialEmail: req.OfficialEmail,
		Role:          req.Role,
	}
	if req.Password != nil {
		hash, err := auth.HashPassword(*req.Password)
		if err != nil {
			return domain.User{}, err
		}
		patch.PasswordHash = &hash
	}
	if patch.IsEmpty() {
		return domain.User{}, &ValidationError{Reason: ReasonEmptyUpdate}
	}
	if _, ok, err := a.store.GetUser(ctx, id); err != nil {
		return domain.User{}, &PersistenceError{Op: "get user", Err: err}
	} else if !ok {
		return domain.User{}, ErrNotFound
	}
	if err := a.checkUserUnique(ctx, id, deref(req.Email), deref(req.OfficialEmail)); err != nil {
		return domain.User{}, err
	}
	updated, err := a.store.UpdateUser(ctx, id, patch)
	if err != nil {
		return domain.User{}, storeWriteErr("update user", err)
	}
	util.LoggerFromContext(ctx).Info("user updated", "user_id", id)
	return updated, nil
}

func (a *App) DeleteUser(ctx context.Context, id string) error {
	if err := a.store.DeleteUser(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return &PersistenceError{Op: "delete user", Err: err}
	}
	util.LoggerFromContext(ctx).Info("user deleted", "user_id", id)
	return nil
}

// checkUserUnique rejects values held by a user other than selfID. Empty
// values are skipped.
func (a *App) checkUserUnique(ctx context.Context, selfID, email, officialEmail string) error {
	for _, check := range []struct{ field, value string }{
		{store.FieldEmail, email},
		{store.FieldOfficialEmail, officialEmail},
	} {
		if check.value == "" {
			continue
		}
		existing, exists, err := a.store.FindUser(ctx, check.field, check.value)
		if err != nil {
			return &PersistenceError{Op: "find user by " + check.field, Err: err}
		}
		if exists && existing.UserID != selfID {
			return &ConflictError{Field: check.field}
		}
	}
	return nil
}

func trimInPlace(v *string) {
	if v != nil {
		*v = strings.TrimSpace(*v)
	}
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
