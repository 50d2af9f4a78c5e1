package app

import (
	"context"
	"fmt"
	"strings"

	"signflow/pkg/domain"
	"signflow/pkg/workflow"
)

// ResolveDocumentToken returns the document behind an access token. Blank
// and unknown tokens are indistinguishable to the caller.
func (a *App) ResolveDocumentToken(ctx context.Context, token string) (domain.Document, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Document{}, workflow.ErrTokenInvalid
	}
	doc, ok, err := a.store.GetDocumentByAccessToken(ctx, token)
	if err != nil {
		return domain.Document{}, fmt.Errorf("resolve document token: %w", err)
	}
	if !ok {
		return domain.Document{}, workflow.ErrTokenInvalid
	}
	if !doc.AccessTokenExpiresAt.IsZero() && a.clock().After(doc.AccessTokenExpiresAt) {
		return domain.Document{}, workflow.ErrTokenExpired
	}
	return doc, nil
}

// ResolveSignerToken returns the signer behind a sign token and its document.
func (a *App) ResolveSignerToken(ctx context.Context, token string) (domain.Signer, domain.Document, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Signer{}, domain.Document{}, workflow.ErrTokenInvalid
	}
	signer, ok, err := a.store.GetSignerByToken(ctx, token)
	if err != nil {
		return domain.Signer{}, domain.Document{}, fmt.Errorf("resolve sign token: %w", err)
	}
	if !ok {
		return domain.Signer{}, domain.Document{}, workflow.ErrTokenInvalid
	}
	if signer.SignTokenExpiresAt != nil && a.clock().After(*signer.SignTokenExpiresAt) {
		return domain.Signer{}, domain.Document{}, workflow.ErrTokenExpired
	}
	doc, ok, err := a.store.GetDocument(ctx, signer.DocumentID)
	if err != nil {
		return domain.Signer{}, domain.Document{}, fmt.Errorf("load document: %w", err)
	}
	if !ok {
		return domain.Signer{}, domain.Document{}, workflow.ErrTokenInvalid
	}
	return signer, doc, nil
}

// ownedDocument loads a document and checks that actor owns it.
func (a *App) ownedDocument(ctx context.Context, actor domain.Actor, docID string) (domain.Document, error) {
	doc, ok, err := a.store.GetDocument(ctx, docID)
	if err != nil {
		return domain.Document{}, fmt.Errorf("load document: %w", err)
	}
	if !ok {
		return domain.Document{}, fmt.Errorf("%w: document %s", workflow.ErrNotFound, docID)
	}
	if actor.ID == "" || doc.OwnerID != actor.ID {
		return domain.Document{}, ErrForbidden
	}
	return doc, nil
}

func visadorActor(doc domain.Document) domain.Actor {
	if doc.RequiresVisado {
		return domain.Actor{Name: doc.VisadorName, Email: doc.VisadorEmail, Kind: domain.ActorVisador}
	}
	return domain.Actor{Name: "document link", Kind: domain.ActorVisador}
}

func signerActor(s domain.Signer) domain.Actor {
	return domain.Actor{ID: s.ID, Name: s.Name, Email: s.Email, Kind: domain.ActorSigner}
}
