package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"agentregistry/pkg/domain"
)

const migrateLockID int64 = 51807319

// pgUniqueViolation is the SQLSTATE for unique constraint failures.
const pgUniqueViolation = "23505"

type GormStoreOptions struct {
	SlowThreshold time.Duration
	LogLevel      gormlogger.LogLevel
}

type GormStoreOption func(*GormStoreOptions)

// WithSlowThreshold sets the duration above which queries are logged.
func WithSlowThreshold(d time.Duration) GormStoreOption {
	return func(opts *GormStoreOptions) {
		if d > 0 {
			opts.SlowThreshold = d
		}
	}
}

// WithLogLevel overrides the GORM logger level.
func WithLogLevel(level gormlogger.LogLevel) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.LogLevel = level
	}
}

// GormLogLevel maps a service log level onto the GORM logger. SQL is only
// traced at debug; slow queries surface from info upwards.
func GormLogLevel(level string) gormlogger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return gormlogger.Info
	case "error":
		return gormlogger.Error
	case "silent":
		return gormlogger.Silent
	default:
		return gormlogger.Warn
	}
}

func gormStoreOptions(options ...GormStoreOption) GormStoreOptions {
	opts := GormStoreOptions{SlowThreshold: time.Second, LogLevel: gormlogger.Warn}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	return opts
}

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := gormStoreOptions(options...)
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             opts.SlowThreshold,
			LogLevel:                  opts.LogLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&AgentModel{}, &UserModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertAgent creates an agent row.
func (s *GormStore) InsertAgent(ctx context.Context, agent domain.Agent) (string, error) {
	stampCreated(&agent.CreatedAt, &agent.UpdatedAt, time.Now().UTC())
	model := agentToModel(agent)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return "", pgWriteErr(err, FieldEmail, FieldMobileNumber)
	}
	return model.ID, nil
}

func (s *GormStore) FindAgent(ctx context.Context, field, value string) (domain.Agent, bool, error) {
	if err := checkAgentField(field); err != nil {
		return domain.Agent{}, false, err
	}
	var model AgentModel
	if err := s.db.WithContext(ctx).Where(clause.Eq{Column: clause.Column{Name: snakeCase(field)}, Value: value}).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Agent{}, false, nil
		}
		return domain.Agent{}, false, err
	}
	return agentFromModel(model), true, nil
}

func (s *GormStore) GetAgent(ctx context.Context, id string) (domain.Agent, bool, error) {
	var model AgentModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Agent{}, false, nil
		}
		return domain.Agent{}, false, err
	}
	return agentFromModel(model), true, nil
}

// ListAgents returns all agents, oldest first.
func (s *GormStore) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	var models []AgentModel
	if err := s.db.WithContext(ctx).Order("created_at asc").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Agent, 0, len(models))
	for _, m := range models {
		out = append(out, agentFromModel(m))
	}
	return out, nil
}

// UpdateAgent merges the patch into the stored row inside a transaction.
func (s *GormStore) UpdateAgent(ctx context.Context, id string, patch domain.AgentPatch) (domain.Agent, error) {
	var updated domain.Agent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model AgentModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		updated = patch.Apply(agentFromModel(model))
		updated.UpdatedAt = time.Now().UTC()
		next := agentToModel(updated)
		if err := tx.Save(&next).Error; err != nil {
			return pgWriteErr(err, FieldEmail, FieldMobileNumber)
		}
		return nil
	})
	if err != nil {
		return domain.Agent{}, err
	}
	return updated, nil
}

func (s *GormStore) DeleteAgent(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&AgentModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertUser creates a user row.
func (s *GormStore) InsertUser(ctx context.Context, user domain.User) (string, error) {
	stampCreated(&user.CreatedAt, &user.UpdatedAt, time.Now().UTC())
	model := userToModel(user)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return "", pgWriteErr(err, FieldEmail, FieldOfficialEmail)
	}
	return model.ID, nil
}

func (s *GormStore) FindUser(ctx context.Context, field, value string) (domain.User, bool, error) {
	if err := checkUserField(field); err != nil {
		return domain.User{}, false, err
	}
	var model UserModel
	if err := s.db.WithContext(ctx).Where(clause.Eq{Column: clause.Column{Name: snakeCase(field)}, Value: value}).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

func (s *GormStore) GetUser(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// ListUsers returns all users, oldest first.
func (s *GormStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	var models []UserModel
	if err := s.db.WithContext(ctx).Order("created_at asc").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.User, 0, len(models))
	for _, m := range models {
		out = append(out, userFromModel(m))
	}
	return out, nil
}

func (s *GormStore) UpdateUser(ctx context.Context, id string, patch domain.UserPatch) (domain.User, error) {
	var updated domain.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model UserModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		updated = patch.Apply(userFromModel(model))
		updated.UpdatedAt = time.Now().UTC()
		next := userToModel(updated)
		if err := tx.Save(&next).Error; err != nil {
			return pgWriteErr(err, FieldEmail, FieldOfficialEmail)
		}
		return nil
	})
	if err != nil {
		return domain.User{}, err
	}
	return updated, nil
}

func (s *GormStore) DeleteUser(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&UserModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// pgWriteErr maps unique violations to DuplicateKeyError using the
// constraint name, e.g. idx_agents_mobile_number.
func pgWriteErr(err error, fields ...string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return &DuplicateKeyError{Field: duplicateField(pgErr.ConstraintName, fields...), Err: err}
	}
	return err
}

func agentToModel(a domain.Agent) AgentModel {
	var docs datatypes.JSONMap
	if len(a.Documents) > 0 {
		docs = make(datatypes.JSONMap, len(a.Documents))
		for key, url := range a.Documents {
			docs[key] = url
		}
	}
	return AgentModel{
		ID:           a.AgentID,
		FirstName:    a.FirstName,
		LastName:     a.LastName,
		Email:        a.Email,
		MobileNumber: a.MobileNumber,
		Gender:       a.Gender,
		DateOfBirth:  a.DateOfBirth,
		Address:      AddressModel(a.Address),
		Documents:    docs,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

func agentFromModel(m AgentModel) domain.Agent {
	a := domain.Agent{
		AgentID:      m.ID,
		FirstName:    m.FirstName,
		LastName:     m.LastName,
		Email:        m.Email,
		MobileNumber: m.MobileNumber,
		Gender:       m.Gender,
		DateOfBirth:  m.DateOfBirth,
		Address:      domain.Address(m.Address),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
	for key, raw := range m.Documents {
		url, ok := raw.(string)
		if !ok {
			continue
		}
		if a.Documents == nil {
			a.Documents = map[string]string{}
		}
		a.Documents[key] = url
	}
	return a
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:            u.UserID,
		Username:      u.Username,
		Email:         u.Email,
		OfficialEmail: u.OfficialEmail,
		Role:          u.Role,
		PasswordHash:  u.PasswordHash,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		UserID:        m.ID,
		Username:      m.Username,
		Email:         m.Email,
		OfficialEmail: m.OfficialEmail,
		Role:          m.Role,
		PasswordHash:  m.PasswordHash,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

var _ Store = (*GormStore)(nil)
