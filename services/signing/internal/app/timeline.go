package app

import (
	"context"
	"fmt"

	"signflow/pkg/domain"
	"signflow/pkg/workflow"
)

// Timeline is the progress view of one document.
type Timeline struct {
	Status      domain.DocumentStatus `json:"status"`
	Progress    int                   `json:"progress"`
	CurrentStep string                `json:"currentStep"`
	NextStep    string                `json:"nextStep"`
	Quorum      workflow.Quorum       `json:"quorum"`
	Events      []domain.Event        `json:"events"`
}

// BuildTimeline derives the progress view. Progress depends only on the
// status, never on how many events were recorded.
func BuildTimeline(doc domain.Document, signers []domain.Signer, events []domain.Event) Timeline {
	step := domain.StepFor(doc.Status)
	if events == nil {
		events = []domain.Event{}
	}
	return Timeline{
		Status:      doc.Status,
		Progress:    domain.Progress(doc.Status, doc.RequiresVisado),
		CurrentStep: step.Current,
		NextStep:    step.Next,
		Quorum:      workflow.Tally(signers),
		Events:      events,
	}
}

// DocumentView is a document with its ordered signers.
type DocumentView struct {
	Document domain.Document `json:"document"`
	Signers  []domain.Signer `json:"signers"`
}

// ListDocuments returns the documents owned by actor.
func (a *App) ListDocuments(ctx context.Context, actor domain.Actor) ([]domain.Document, error) {
	if actor.ID == "" {
		return nil, ErrForbidden
	}
	docs, err := a.store.ListDocumentsByOwner(ctx, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// GetDocument returns an owned document with its signers.
func (a *App) GetDocument(ctx context.Context, actor domain.Actor, docID string) (DocumentView, error) {
	doc, err := a.ownedDocument(ctx, actor, docID)
	if err != nil {
		return DocumentView{}, err
	}
	signers, err := a.store.ListSigners(ctx, doc.ID)
	if err != nil {
		return DocumentView{}, fmt.Errorf("list signers: %w", err)
	}
	return DocumentView{Document: doc, Signers: signers}, nil
}

// Timeline returns the progress view of an owned document.
func (a *App) Timeline(ctx context.Context, actor domain.Actor, docID string) (Timeline, error) {
	doc, err := a.ownedDocument(ctx, actor, docID)
	if err != nil {
		return Timeline{}, err
	}
	return a.timeline(ctx, doc)
}

func (a *App) timeline(ctx context.Context, doc domain.Document) (Timeline, error) {
	signers, err := a.store.ListSigners(ctx, doc.ID)
	if err != nil {
		return Timeline{}, fmt.Errorf("list signers: %w", err)
	}
	events, err := a.store.ListEvents(ctx, doc.ID)
	if err != nil {
		return Timeline{}, fmt.Errorf("list events: %w", err)
	}
	return BuildTimeline(doc, signers, events), nil
}

// Download variants.
const (
	VariantOriginal    = "original"
	VariantWatermarked = "watermarked"
	VariantSealed      = "sealed"
)

// DownloadURL presigns one artifact of an owned document.
func (a *App) DownloadURL(ctx context.Context, actor domain.Actor, docID, variant string) (string, error) {
	doc, err := a.ownedDocument(ctx, actor, docID)
	if err != nil {
		return "", err
	}
	var key string
	switch variant {
	case VariantOriginal:
		key = doc.OriginalKey
	case "", VariantWatermarked:
		key = doc.WatermarkedKey
	case VariantSealed:
		if !doc.Sealed() {
			return "", fmt.Errorf("%w: document not sealed yet", workflow.ErrNotFound)
		}
		key = doc.SealedKey
	default:
		return "", fmt.Errorf("%w: unknown variant %q", workflow.ErrValidation, variant)
	}
	return a.presign(ctx, key)
}

func (a *App) presign(ctx context.Context, key string) (string, error) {
	url, err := a.objects.PresignGet(ctx, key, a.presignExpiry)
	if err != nil {
		return "", fmt.Errorf("%w: presign: %v", workflow.ErrStorageFailure, err)
	}
	return url, nil
}

// PublicDocument is what the document access link shows.
type PublicDocument struct {
	Document   domain.Document  `json:"document"`
	Signers    []VerifiedSigner `json:"signers"`
	Timeline   Timeline         `json:"timeline"`
	PreviewURL string           `json:"previewUrl"`
	CanVisar   bool             `json:"canVisar"`
	CanReject  bool             `json:"canReject"`
}

// GetPublicDocument resolves a document access token into its public view.
func (a *App) GetPublicDocument(ctx context.Context, token string) (PublicDocument, error) {
	doc, err := a.ResolveDocumentToken(ctx, token)
	if err != nil {
		return PublicDocument{}, err
	}
	tl, err := a.timeline(ctx, doc)
	if err != nil {
		return PublicDocument{}, err
	}
	signers, err := a.store.ListSigners(ctx, doc.ID)
	if err != nil {
		return PublicDocument{}, fmt.Errorf("list signers: %w", err)
	}
	preview, err := a.presign(ctx, doc.WatermarkedKey)
	if err != nil {
		return PublicDocument{}, err
	}
	doc.OwnerEmail = ""
	tl.Events = publicEvents(tl.Events)
	return PublicDocument{
		Document:   doc,
		Signers:    verifiedSigners(signers),
		Timeline:   tl,
		PreviewURL: preview,
		CanVisar:   doc.RequiresVisado && doc.Status == domain.StatusPendingReview,
		CanReject:  !doc.Status.Terminal(),
	}, nil
}

// SigningView is what a signer's link shows.
type SigningView struct {
	Document   domain.Document `json:"document"`
	Signer     domain.Signer   `json:"signer"`
	Quorum     workflow.Quorum `json:"quorum"`
	PreviewURL string          `json:"previewUrl"`
	CanSign    bool            `json:"canSign"`
}

// GetSigningView resolves a sign token into the signer's view.
func (a *App) GetSigningView(ctx context.Context, token string) (SigningView, error) {
	signer, doc, err := a.ResolveSignerToken(ctx, token)
	if err != nil {
		return SigningView{}, err
	}
	signers, err := a.store.ListSigners(ctx, doc.ID)
	if err != nil {
		return SigningView{}, fmt.Errorf("list signers: %w", err)
	}
	preview, err := a.presign(ctx, doc.WatermarkedKey)
	if err != nil {
		return SigningView{}, err
	}
	doc.OwnerEmail = ""
	return SigningView{
		Document:   doc,
		Signer:     signer,
		Quorum:     workflow.Tally(signers),
		PreviewURL: preview,
		CanSign:    doc.Status == domain.StatusPendingSignature && signer.Status == domain.SignerPending,
	}, nil
}
