package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"signflow/pkg/domain"
	"signflow/pkg/workflow"
)

const migrateLockID int64 = 51904217

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&DocumentModel{}, &SignerModel{}, &EventModel{}, &SequenceCounterModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'signer_models'
					AND constraint_name = 'signer_models_document_id_fkey'
				) THEN
					ALTER TABLE signer_models
					ADD CONSTRAINT signer_models_document_id_fkey
					FOREIGN KEY (document_id) REFERENCES document_models(id) ON DELETE RESTRICT;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'event_models'
					AND constraint_name = 'event_models_document_id_fkey'
				) THEN
					ALTER TABLE event_models
					ADD CONSTRAINT event_models_document_id_fkey
					FOREIGN KEY (document_id) REFERENCES document_models(id) ON DELETE RESTRICT;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure document foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
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

// nextSequence is a single upsert, so read and increment are one atomic unit
// under concurrent callers.
func nextSequence(tx *gorm.DB, name string) (int64, error) {
	var value int64
	err := tx.Raw(`
		INSERT INTO sequence_counter_models (name, value, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT (name) DO UPDATE
		SET value = sequence_counter_models.value + 1, updated_at = EXCLUDED.updated_at
		RETURNING value
	`, name, time.Now().UTC()).Scan(&value).Error
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", name, err)
	}
	return value, nil
}

// CreateDocument mints the correlative and inserts the document, its signers
// and the creation event in one transaction.
func (s *GormStore) CreateDocument(ctx context.Context, in NewDocument) (domain.Document, error) {
	doc := in.Document
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		value, err := nextSequence(tx, in.Counter)
		if err != nil {
			return err
		}
		doc.Sequence = value
		if in.Number != nil {
			doc.ContractNumber = in.Number(value)
		}
		model := documentToModel(doc)
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		for _, signer := range in.Signers {
			sm := signerToModel(signer)
			if err := tx.Create(&sm).Error; err != nil {
				return fmt.Errorf("insert signer: %w", err)
			}
		}
		event := in.Event
		event.DocumentID = doc.ID
		event.ToStatus = doc.Status
		if _, err := insertEvent(tx, event); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

// GetDocument retrieves a document.
func (s *GormStore) GetDocument(ctx context.Context, id string) (domain.Document, bool, error) {
	return s.findDocument(ctx, "id = ?", id)
}

// GetDocumentByAccessToken looks up a document by its visado/consult token.
func (s *GormStore) GetDocumentByAccessToken(ctx context.Context, token string) (domain.Document, bool, error) {
	return s.findDocument(ctx, "access_token = ?", token)
}

// GetDocumentByVerificationCode looks up a document by its public code.
func (s *GormStore) GetDocumentByVerificationCode(ctx context.Context, code string) (domain.Document, bool, error) {
	return s.findDocument(ctx, "verification_code = ?", code)
}

func (s *GormStore) findDocument(ctx context.Context, query string, arg string) (domain.Document, bool, error) {
	if strings.TrimSpace(arg) == "" {
		return domain.Document{}, false, nil
	}
	var model DocumentModel
	if err := s.db.WithContext(ctx).First(&model, query, arg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	return documentFromModel(model), true, nil
}

// ListDocumentsByOwner returns the owner's documents, newest first.
func (s *GormStore) ListDocumentsByOwner(ctx context.Context, ownerID string) ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Document, 0, len(models))
	for _, m := range models {
		res = append(res, documentFromModel(m))
	}
	return res, nil
}

// ListUnsealed returns signed documents that have no sealed artifact yet.
func (s *GormStore) ListUnsealed(ctx context.Context, limit int) ([]domain.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []DocumentModel
	err := s.db.WithContext(ctx).
		Where("status = ? AND (sealed_key IS NULL OR sealed_key = '')", string(domain.StatusSigned)).
		Order("completed_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	res := make([]domain.Document, 0, len(models))
	for _, m := range models {
		res = append(res, documentFromModel(m))
	}
	return res, nil
}

// Transition serializes writers on the document row.
func (s *GormStore) Transition(ctx context.Context, docID string, fn TransitionFunc) (Change, error) {
	var committed Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model DocumentModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", docID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: document %s", workflow.ErrNotFound, docID)
			}
			return fmt.Errorf("lock document: %w", err)
		}
		signers, err := listSigners(tx, docID)
		if err != nil {
			return err
		}
		change, err := fn(documentFromModel(model), signers)
		if err != nil {
			return err
		}
		change.Document.ID = docID
		updated := documentToModel(change.Document)
		if err := tx.Save(&updated).Error; err != nil {
			return fmt.Errorf("update document: %w", err)
		}
		for _, signer := range change.Signers {
			signer.DocumentID = docID
			sm := signerToModel(signer)
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"position", "name", "email", "national_id", "status", "signed_at", "reject_reason", "updated_at"}),
			}).Create(&sm).Error; err != nil {
				return fmt.Errorf("upsert signer: %w", err)
			}
		}
		change.Event.DocumentID = docID
		event, err := insertEvent(tx, change.Event)
		if err != nil {
			return err
		}
		change.Event = event
		committed = change
		return nil
	})
	if err != nil {
		return Change{}, err
	}
	return committed, nil
}

// GetSignerByToken looks up a signer by its sign token.
func (s *GormStore) GetSignerByToken(ctx context.Context, token string) (domain.Signer, bool, error) {
	if strings.TrimSpace(token) == "" {
		return domain.Signer{}, false, nil
	}
	var model SignerModel
	if err := s.db.WithContext(ctx).First(&model, "sign_token = ?", token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Signer{}, false, nil
		}
		return domain.Signer{}, false, err
	}
	return signerFromModel(model), true, nil
}

// ListSigners returns signers in position order.
func (s *GormStore) ListSigners(ctx context.Context, docID string) ([]domain.Signer, error) {
	return listSigners(s.db.WithContext(ctx), docID)
}

func listSigners(tx *gorm.DB, docID string) ([]domain.Signer, error) {
	var models []SignerModel
	if err := tx.Where("document_id = ?", docID).Order("position ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list signers: %w", err)
	}
	res := make([]domain.Signer, 0, len(models))
	for _, m := range models {
		res = append(res, signerFromModel(m))
	}
	return res, nil
}

// ListEvents returns the audit trail of a document.
func (s *GormStore) ListEvents(ctx context.Context, docID string) ([]domain.Event, error) {
	var models []EventModel
	if err := s.db.WithContext(ctx).Where("document_id = ?", docID).Order("created_at ASC, seq ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Event, 0, len(models))
	for _, m := range models {
		res = append(res, eventFromModel(m))
	}
	return res, nil
}

func insertEvent(tx *gorm.DB, event domain.Event) (domain.Event, error) {
	if strings.TrimSpace(event.ID) == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	model := eventToModel(event)
	if err := tx.Create(&model).Error; err != nil {
		return domain.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return eventFromModel(model), nil
}

func documentToModel(d domain.Document) DocumentModel {
	return DocumentModel{
		ID:                   d.ID,
		OwnerID:              d.OwnerID,
		OwnerName:            d.OwnerName,
		OwnerEmail:           d.OwnerEmail,
		Title:                d.Title,
		Description:          d.Description,
		CompanyID:            d.CompanyID,
		OriginalFilename:     d.OriginalFilename,
		OriginalKey:          d.OriginalKey,
		WatermarkedKey:       d.WatermarkedKey,
		SealedKey:            d.SealedKey,
		Status:               string(d.Status),
		RequiresVisado:       d.RequiresVisado,
		VisadorName:          d.VisadorName,
		VisadorEmail:         d.VisadorEmail,
		ReviewedAt:           d.ReviewedAt,
		AccessToken:          d.AccessToken,
		AccessTokenExpiresAt: d.AccessTokenExpiresAt,
		Sequence:             d.Sequence,
		ContractNumber:       d.ContractNumber,
		VerificationCode:     d.VerificationCode,
		RejectReason:         d.RejectReason,
		RejectedAt:           d.RejectedAt,
		CompletedAt:          d.CompletedAt,
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	return domain.Document{
		ID:                   m.ID,
		OwnerID:              m.OwnerID,
		OwnerName:            m.OwnerName,
		OwnerEmail:           m.OwnerEmail,
		Title:                m.Title,
		Description:          m.Description,
		CompanyID:            m.CompanyID,
		OriginalFilename:     m.OriginalFilename,
		OriginalKey:          m.OriginalKey,
		WatermarkedKey:       m.WatermarkedKey,
		SealedKey:            m.SealedKey,
		Status:               domain.DocumentStatus(m.Status),
		RequiresVisado:       m.RequiresVisado,
		VisadorName:          m.VisadorName,
		VisadorEmail:         m.VisadorEmail,
		ReviewedAt:           m.ReviewedAt,
		AccessToken:          m.AccessToken,
		AccessTokenExpiresAt: m.AccessTokenExpiresAt,
		Sequence:             m.Sequence,
		ContractNumber:       m.ContractNumber,
		VerificationCode:     m.VerificationCode,
		RejectReason:         m.RejectReason,
		RejectedAt:           m.RejectedAt,
		CompletedAt:          m.CompletedAt,
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
}

func signerToModel(s domain.Signer) SignerModel {
	return SignerModel{
		ID:                 s.ID,
		DocumentID:         s.DocumentID,
		Position:           s.Position,
		Name:               s.Name,
		Email:              s.Email,
		NationalID:         s.NationalID,
		SignToken:          s.SignToken,
		SignTokenExpiresAt: s.SignTokenExpiresAt,
		Status:             string(s.Status),
		SignedAt:           s.SignedAt,
		RejectReason:       s.RejectReason,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

func signerFromModel(m SignerModel) domain.Signer {
	status := domain.SignerStatus(m.Status)
	if status == "" {
		status = domain.SignerPending
	}
	return domain.Signer{
		ID:                 m.ID,
		DocumentID:         m.DocumentID,
		Position:           m.Position,
		Name:               m.Name,
		Email:              m.Email,
		NationalID:         m.NationalID,
		SignToken:          m.SignToken,
		SignTokenExpiresAt: m.SignTokenExpiresAt,
		Status:             status,
		SignedAt:           m.SignedAt,
		RejectReason:       m.RejectReason,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func eventToModel(e domain.Event) EventModel {
	var meta []byte
	if len(e.Metadata) > 0 {
		meta, _ = json.Marshal(e.Metadata)
	}
	return EventModel{
		ID:         e.ID,
		Seq:        e.Seq,
		DocumentID: e.DocumentID,
		Actor:      e.Actor,
		Action:     e.Action,
		Detail:     e.Detail,
		FromStatus: string(e.FromStatus),
		ToStatus:   string(e.ToStatus),
		Metadata:   meta,
		CreatedAt:  e.CreatedAt,
	}
}

func eventFromModel(m EventModel) domain.Event {
	var meta map[string]string
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta)
	}
	return domain.Event{
		ID:         m.ID,
		DocumentID: m.DocumentID,
		Seq:        m.Seq,
		Actor:      m.Actor,
		Action:     m.Action,
		Detail:     m.Detail,
		FromStatus: domain.DocumentStatus(m.FromStatus),
		ToStatus:   domain.DocumentStatus(m.ToStatus),
		Metadata:   meta,
		CreatedAt:  m.CreatedAt,
	}
}
