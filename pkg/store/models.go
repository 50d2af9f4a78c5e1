package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type DocumentModel struct {
	ID                   string `gorm:"primaryKey"`
	OwnerID              string `gorm:"not null;index"`
	OwnerName            string
	OwnerEmail           string
	Title                string `gorm:"not null"`
	Description          string `gorm:"type:text"`
	CompanyID            string `gorm:"not null"`
	OriginalFilename     string `gorm:"not null"`
	OriginalKey          string `gorm:"not null"`
	WatermarkedKey       string
	SealedKey            string
	Status               string `gorm:"not null;index"`
	RequiresVisado       bool   `gorm:"not null"`
	VisadorName          string
	VisadorEmail         string
	ReviewedAt           *time.Time
	AccessToken          string    `gorm:"uniqueIndex;not null"`
	AccessTokenExpiresAt time.Time `gorm:"not null"`
	Sequence             int64     `gorm:"uniqueIndex;not null"`
	ContractNumber       string    `gorm:"uniqueIndex;not null"`
	VerificationCode     string    `gorm:"uniqueIndex;not null"`
	RejectReason         string    `gorm:"type:text"`
	RejectedAt           *time.Time
	CompletedAt          *time.Time
	CreatedAt            time.Time `gorm:"not null;index"`
	UpdatedAt            time.Time `gorm:"not null"`
}

type SignerModel struct {
	ID                 string `gorm:"primaryKey"`
	DocumentID         string `gorm:"not null;index;uniqueIndex:idx_signer_document_email"`
	Position           int    `gorm:"not null"`
	Name               string `gorm:"not null"`
	Email              string `gorm:"not null;uniqueIndex:idx_signer_document_email"`
	NationalID         string `gorm:"not null"`
	SignToken          string `gorm:"uniqueIndex;not null"`
	SignTokenExpiresAt *time.Time
	Status             string `gorm:"not null"`
	SignedAt           *time.Time
	RejectReason       string    `gorm:"type:text"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

// EventModel rows are only ever inserted.
type EventModel struct {
	ID         string `gorm:"primaryKey"`
	Seq        int64  `gorm:"autoIncrement;uniqueIndex"`
	DocumentID string `gorm:"not null;index:idx_event_document_order,priority:1"`
	Actor      string `gorm:"not null"`
	Action     string `gorm:"not null"`
	Detail     string `gorm:"type:text"`
	FromStatus string
	ToStatus   string
	Metadata   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  time.Time      `gorm:"not null;index:idx_event_document_order,priority:2"`
}

type SequenceCounterModel struct {
	Name      string `gorm:"primaryKey"`
	Value     int64  `gorm:"not null"`
	UpdatedAt time.Time
}
