package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. Table names follow the document
// collections so both drivers share one naming scheme.
type AddressModel struct {
	Street       string
	WardNumber   string
	Constituency string
	City         string
	State        string
	PostCode     string
	Country      string
}

type AgentModel struct {
	ID           string            `gorm:"primaryKey"`
	FirstName    string            `gorm:"not null"`
	LastName     string            `gorm:"not null"`
	Email        string            `gorm:"uniqueIndex;not null"`
	MobileNumber string            `gorm:"uniqueIndex;not null"`
	Gender       string            `gorm:"not null"`
	DateOfBirth  string            `gorm:"not null"`
	Address      AddressModel      `gorm:"embedded;embeddedPrefix:address_"`
	Documents    datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"not null;index"`
	UpdatedAt    time.Time         `gorm:"not null"`
}

func (AgentModel) TableName() string { return AgentsCollection }

type UserModel struct {
	ID            string    `gorm:"primaryKey"`
	Username      string    `gorm:"not null"`
	Email         string    `gorm:"uniqueIndex;not null"`
	OfficialEmail string    `gorm:"uniqueIndex;not null"`
	Role          string    `gorm:"not null"`
	PasswordHash  string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null;index"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (UserModel) TableName() string { return UsersCollection }
