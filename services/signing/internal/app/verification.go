package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"signflow/internal/util"
	"signflow/pkg/domain"
	"signflow/pkg/workflow"
)

// VerifiedSigner is the public projection of a signer.
type VerifiedSigner struct {
	Position int                 `json:"position"`
	Name     string              `json:"name"`
	Email    string              `json:"email"`
	Status   domain.SignerStatus `json:"status"`
	SignedAt *time.Time          `json:"signedAt,omitempty"`
}

// Verification is the public registry entry for a verification code.
type Verification struct {
	ContractNumber   string                `json:"contractNumber"`
	VerificationCode string                `json:"verificationCode"`
	Title            string                `json:"title"`
	CompanyID        string                `json:"companyId"`
	OwnerName        string                `json:"ownerName"`
	Status           domain.DocumentStatus `json:"status"`
	CreatedAt        time.Time             `json:"createdAt"`
	CompletedAt      *time.Time            `json:"completedAt,omitempty"`
	RejectedAt       *time.Time            `json:"rejectedAt,omitempty"`
	Signers          []VerifiedSigner      `json:"signers"`
	Events           []domain.Event        `json:"events"`
	SealedURL        string                `json:"sealedUrl,omitempty"`
}

// GetVerification looks up a document by its verification code. It never
// exposes tokens, storage keys or the owner's email.
func (a *App) GetVerification(ctx context.Context, code string) (Verification, error) {
	code = util.NormalizeVerificationCode(strings.TrimSpace(code))
	if code == "" {
		return Verification{}, fmt.Errorf("%w: verification code", workflow.ErrNotFound)
	}
	doc, ok, err := a.store.GetDocumentByVerificationCode(ctx, code)
	if err != nil {
		return Verification{}, fmt.Errorf("lookup verification code: %w", err)
	}
	if !ok {
		return Verification{}, fmt.Errorf("%w: verification code", workflow.ErrNotFound)
	}
	signers, err := a.store.ListSigners(ctx, doc.ID)
	if err != nil {
		return Verification{}, fmt.Errorf("list signers: %w", err)
	}
	events, err := a.store.ListEvents(ctx, doc.ID)
	if err != nil {
		return Verification{}, fmt.Errorf("list events: %w", err)
	}
	if events == nil {
		events = []domain.Event{}
	}
	out := Verification{
		ContractNumber:   doc.ContractNumber,
		VerificationCode: doc.VerificationCode,
		Title:            doc.Title,
		CompanyID:        doc.CompanyID,
		OwnerName:        doc.OwnerName,
		Status:           doc.Status,
		CreatedAt:        doc.CreatedAt,
		CompletedAt:      doc.CompletedAt,
		RejectedAt:       doc.RejectedAt,
		Signers:          verifiedSigners(signers),
		Events:           publicEvents(events),
	}
	if doc.Sealed() {
		url, err := a.objects.PresignGet(ctx, doc.SealedKey, a.presignExpiry)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("presign sealed artifact failed", "document_id", doc.ID, "err", err)
		} else {
			out.SealedURL = url
		}
	}
	return out, nil
}

func verifiedSigners(signers []domain.Signer) []VerifiedSigner {
	out := make([]VerifiedSigner, 0, len(signers))
	for _, s := range signers {
		out = append(out, VerifiedSigner{
			Position: s.Position,
			Name:     s.Name,
			Email:    MaskEmail(s.Email),
			Status:   s.Status,
			SignedAt: s.SignedAt,
		})
	}
	return out
}

// publicEvents strips actor emails from events shown to unauthenticated
// callers. Audit rows keep the full "Name <email>" form.
func publicEvents(events []domain.Event) []domain.Event {
	out := make([]domain.Event, 0, len(events))
	for _, e := range events {
		e.Actor = publicActor(e.Actor)
		out = append(out, e)
	}
	return out
}

func publicActor(actor string) string {
	actor = strings.TrimSpace(actor)
	if i := strings.LastIndex(actor, " <"); i > 0 && strings.HasSuffix(actor, ">") {
		return strings.TrimSpace(actor[:i])
	}
	if local, _, ok := strings.Cut(actor, "@"); ok {
		if local == "" {
			return "***"
		}
		return local[:1] + "***"
	}
	return actor
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	local, domain, ok := strings.Cut(strings.TrimSpace(email), "@")
	if !ok || local == "" {
		return "***"
	}
	return local[:1] + "***@" + domain
}
