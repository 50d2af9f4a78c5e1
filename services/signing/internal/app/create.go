package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"signflow/internal/util"
	"signflow/pkg/domain"
	"signflow/pkg/metrics"
	"signflow/pkg/queue"
	"signflow/pkg/store"
	"signflow/pkg/workflow"
)

// SignerInput describes one signer supplied by the owner.
type SignerInput struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	NationalID string `json:"nationalId"`
}

// CreateInput is the payload of document creation.
type CreateInput struct {
	Title          string        `json:"title"`
	Description    string        `json:"description"`
	CompanyID      string        `json:"companyId"`
	RequiresVisado bool          `json:"requiresVisado"`
	VisadorName    string        `json:"visadorName"`
	VisadorEmail   string        `json:"visadorEmail"`
	Signers        []SignerInput `json:"signers"`

	Filename string `json:"-"`
	File     []byte `json:"-"`
}

func (in CreateInput) validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: title required", workflow.ErrValidation)
	}
	if strings.TrimSpace(in.CompanyID) == "" {
		return fmt.Errorf("%w: company id required", workflow.ErrValidation)
	}
	if len(in.Signers) == 0 {
		return fmt.Errorf("%w: at least one signer required", workflow.ErrValidation)
	}
	seen := make(map[string]struct{}, len(in.Signers))
	for _, s := range in.Signers {
		err := workflow.ValidateSigner(domain.Signer{Name: s.Name, Email: strings.TrimSpace(s.Email), NationalID: s.NationalID})
		if err != nil {
			return err
		}
		email := strings.ToLower(strings.TrimSpace(s.Email))
		if _, dup := seen[email]; dup {
			return fmt.Errorf("%w: duplicate signer %s", workflow.ErrValidation, email)
		}
		seen[email] = struct{}{}
	}
	if in.RequiresVisado && !workflow.ValidEmail(in.VisadorEmail) {
		return fmt.Errorf("%w: valid visador email required", workflow.ErrValidation)
	}
	if len(in.File) == 0 {
		return fmt.Errorf("%w: file required", workflow.ErrValidation)
	}
	return nil
}

// CreateDocument validates the input, stores the artifacts, mints the
// contract number and persists the document with its signers and creation
// event in one transaction. Invitations go out after commit.
func (a *App) CreateDocument(ctx context.Context, owner domain.Actor, in CreateInput) (domain.Document, error) {
	if strings.TrimSpace(owner.ID) == "" {
		return domain.Document{}, fmt.Errorf("%w: owner required", workflow.ErrValidation)
	}
	if err := in.validate(); err != nil {
		metrics.TransitionErrors.WithLabelValues("create", reasonOf(err)).Inc()
		return domain.Document{}, err
	}
	now := a.clock()
	docID := util.NewEntityID()
	arts, err := a.pipeline.Prepare(ctx, docID, in.File)
	if err != nil {
		metrics.Sealing.WithLabelValues("prepare", "failure").Inc()
		metrics.TransitionErrors.WithLabelValues("create", reasonOf(err)).Inc()
		return domain.Document{}, err
	}
	metrics.Sealing.WithLabelValues("prepare", "success").Inc()

	accessToken, err := util.NewToken()
	if err != nil {
		a.pipeline.Discard(context.WithoutCancel(ctx), arts)
		return domain.Document{}, err
	}
	code, err := util.NewVerificationCode(10)
	if err != nil {
		a.pipeline.Discard(context.WithoutCancel(ctx), arts)
		return domain.Document{}, err
	}
	filename := filepath.Base(strings.TrimSpace(in.Filename))
	if filename == "." || filename == "" {
		filename = "document.pdf"
	}
	doc := domain.Document{
		ID:                   docID,
		OwnerID:              owner.ID,
		OwnerName:            owner.Name,
		OwnerEmail:           owner.Email,
		Title:                strings.TrimSpace(in.Title),
		Description:          strings.TrimSpace(in.Description),
		CompanyID:            strings.TrimSpace(in.CompanyID),
		OriginalFilename:     filename,
		OriginalKey:          arts.OriginalKey,
		WatermarkedKey:       arts.WatermarkedKey,
		RequiresVisado:       in.RequiresVisado,
		AccessToken:          accessToken,
		AccessTokenExpiresAt: now.Add(a.docTokenTTL),
		VerificationCode:     code,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if in.RequiresVisado {
		doc.VisadorName = strings.TrimSpace(in.VisadorName)
		doc.VisadorEmail = strings.ToLower(strings.TrimSpace(in.VisadorEmail))
	}
	signers := make([]domain.Signer, 0, len(in.Signers))
	for i, s := range in.Signers {
		signer, err := a.newSigner(docID, s, i+1, now)
		if err != nil {
			a.pipeline.Discard(context.WithoutCancel(ctx), arts)
			return domain.Document{}, err
		}
		signers = append(signers, signer)
	}
	doc.Status = workflow.DeriveStatus(doc, signers)

	created, err := a.store.CreateDocument(ctx, store.NewDocument{
		Document: doc,
		Signers:  signers,
		Event: domain.Event{
			DocumentID: docID,
			Actor:      owner.Describe(),
			Action:     domain.ActionCreated,
			Detail:     fmt.Sprintf("document created with %d signer(s)", len(signers)),
			FromStatus: domain.StatusDraft,
			ToStatus:   doc.Status,
			CreatedAt:  now,
		},
		Counter: a.issuer.CounterName(),
		Number:  a.issuer.Format,
	})
	if err != nil {
		a.pipeline.Discard(context.WithoutCancel(ctx), arts)
		metrics.TransitionErrors.WithLabelValues("create", "store").Inc()
		return domain.Document{}, fmt.Errorf("create document: %w", err)
	}
	metrics.Transitions.WithLabelValues(domain.ActionCreated).Inc()

	if created.Status == domain.StatusPendingReview {
		a.dispatch(ctx, queue.KindNotifyVisador, created.ID, "")
	} else {
		a.dispatch(ctx, queue.KindNotifySigners, created.ID, "")
	}
	return created, nil
}

func (a *App) newSigner(docID string, in SignerInput, position int, now time.Time) (domain.Signer, error) {
	token, err := util.NewToken()
	if err != nil {
		return domain.Signer{}, err
	}
	expires := now.Add(a.signTokenTTL)
	return domain.Signer{
		ID:                 util.NewEntityID(),
		DocumentID:         docID,
		Position:           position,
		Name:               strings.TrimSpace(in.Name),
		Email:              strings.ToLower(strings.TrimSpace(in.Email)),
		NationalID:         strings.TrimSpace(in.NationalID),
		SignToken:          token,
		SignTokenExpiresAt: &expires,
		Status:             domain.SignerPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}
