package app

import (
	"context"
	"errors"

	"signflow/internal/util"
	"signflow/pkg/domain"
	"signflow/pkg/metrics"
	"signflow/pkg/queue"
	"signflow/pkg/store"
	"signflow/pkg/workflow"
)

// Visar records the owner's review of the document.
func (a *App) Visar(ctx context.Context, actor domain.Actor, docID string) (domain.Document, error) {
	if _, err := a.ownedDocument(ctx, actor, docID); err != nil {
		return domain.Document{}, err
	}
	actor.Kind = domain.ActorOwner
	return a.apply(ctx, "visar", docID, workflow.Visar{Actor: actor})
}

// VisarByToken records the review through the document access link.
func (a *App) VisarByToken(ctx context.Context, token string) (domain.Document, error) {
	doc, err := a.ResolveDocumentToken(ctx, token)
	if err != nil {
		return domain.Document{}, err
	}
	return a.apply(ctx, "visar", doc.ID, workflow.Visar{Actor: visadorActor(doc)})
}

// Sign records a signature on behalf of signerID. An empty signerID
// resolves to the only pending signer.
func (a *App) Sign(ctx context.Context, actor domain.Actor, docID, signerID string) (domain.Document, error) {
	if _, err := a.ownedDocument(ctx, actor, docID); err != nil {
		return domain.Document{}, err
	}
	actor.Kind = domain.ActorOwner
	return a.apply(ctx, "sign", docID, workflow.Sign{Actor: actor, SignerID: signerID})
}

// SignByToken records the signature of the signer owning token.
func (a *App) SignByToken(ctx context.Context, token string) (domain.Document, error) {
	signer, doc, err := a.ResolveSignerToken(ctx, token)
	if err != nil {
		return domain.Document{}, err
	}
	return a.apply(ctx, "sign", doc.ID, workflow.Sign{Actor: signerActor(signer), SignerID: signer.ID})
}

// Reject ends the workflow on behalf of the owner.
func (a *App) Reject(ctx context.Context, actor domain.Actor, docID, reason string) (domain.Document, error) {
	if _, err := a.ownedDocument(ctx, actor, docID); err != nil {
		return domain.Document{}, err
	}
	actor.Kind = domain.ActorOwner
	return a.apply(ctx, "reject", docID, workflow.Reject{Actor: actor, Reason: reason})
}

// RejectByDocumentToken rejects through the document access link.
func (a *App) RejectByDocumentToken(ctx context.Context, token, reason string) (domain.Document, error) {
	doc, err := a.ResolveDocumentToken(ctx, token)
	if err != nil {
		return domain.Document{}, err
	}
	return a.apply(ctx, "reject", doc.ID, workflow.Reject{Actor: visadorActor(doc), Reason: reason})
}

// RejectBySignerToken rejects as the signer owning token.
func (a *App) RejectBySignerToken(ctx context.Context, token, reason string) (domain.Document, error) {
	signer, doc, err := a.ResolveSignerToken(ctx, token)
	if err != nil {
		return domain.Document{}, err
	}
	return a.apply(ctx, "reject", doc.ID, workflow.Reject{Actor: signerActor(signer), SignerID: signer.ID, Reason: reason})
}

// AddSigner appends a signer to a pending document.
func (a *App) AddSigner(ctx context.Context, actor domain.Actor, docID string, in SignerInput) (domain.Signer, error) {
	if _, err := a.ownedDocument(ctx, actor, docID); err != nil {
		return domain.Signer{}, err
	}
	signer, err := a.newSigner(docID, in, 0, a.clock())
	if err != nil {
		return domain.Signer{}, err
	}
	actor.Kind = domain.ActorOwner
	change, err := a.transition(ctx, "add_signer", docID, workflow.AddSigner{Actor: actor, Signer: signer})
	if err != nil {
		return domain.Signer{}, err
	}
	if len(change.Signers) == 0 {
		return signer, nil
	}
	return change.Signers[0], nil
}

func (a *App) apply(ctx context.Context, name, docID string, action workflow.Action) (domain.Document, error) {
	change, err := a.transition(ctx, name, docID, action)
	if err != nil {
		return domain.Document{}, err
	}
	return change.Document, nil
}

// transition runs action under the document lock and schedules the side
// effects of the committed change.
func (a *App) transition(ctx context.Context, name, docID string, action workflow.Action) (store.Change, error) {
	var mut workflow.Mutation
	change, err := a.store.Transition(ctx, docID, func(doc domain.Document, signers []domain.Signer) (store.Change, error) {
		m, err := workflow.Apply(action, doc, signers, a.clock())
		if err != nil {
			return store.Change{}, err
		}
		mut = m
		return store.Change{Document: m.Document, Signers: m.Signers, Event: m.Event}, nil
	})
	if err != nil {
		metrics.TransitionErrors.WithLabelValues(name, reasonOf(err)).Inc()
		util.LoggerFromContext(ctx).Info("transition refused", "action", name, "document_id", docID, "err", err)
		return store.Change{}, err
	}
	metrics.Transitions.WithLabelValues(change.Event.Action).Inc()
	util.LoggerFromContext(ctx).Info("transition committed",
		"action", change.Event.Action,
		"document_id", docID,
		"from", change.Event.FromStatus,
		"to", change.Event.ToStatus,
		"actor", workflow.ActorOf(action).Describe(),
	)
	a.afterCommit(ctx, mut, change)
	return change, nil
}

func (a *App) afterCommit(ctx context.Context, mut workflow.Mutation, change store.Change) {
	docID := change.Document.ID
	switch {
	case mut.Completed:
		a.dispatch(ctx, queue.KindSeal, docID, "")
		a.dispatch(ctx, queue.KindNotifyCompleted, docID, "")
	case mut.OpenedSignature:
		a.dispatch(ctx, queue.KindNotifySigners, docID, "")
	case change.Event.Action == domain.ActionRejected:
		a.dispatch(ctx, queue.KindNotifyRejected, docID, change.Event.ID)
	case change.Event.Action == domain.ActionSignerAdded:
		if change.Document.Status == domain.StatusPendingSignature && len(change.Signers) > 0 {
			a.dispatch(ctx, queue.KindNotifySigner, docID, change.Signers[0].ID)
		}
	}
}

// reasonOf classifies an error for metrics labels.
func reasonOf(err error) string {
	switch {
	case errors.Is(err, workflow.ErrValidation):
		return "validation"
	case errors.Is(err, workflow.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, workflow.ErrAlreadySigned):
		return "already_signed"
	case errors.Is(err, workflow.ErrAlreadyFinal):
		return "already_final"
	case errors.Is(err, workflow.ErrTokenInvalid), errors.Is(err, workflow.ErrTokenExpired):
		return "token"
	case errors.Is(err, workflow.ErrNotFound):
		return "not_found"
	case errors.Is(err, workflow.ErrStorageFailure):
		return "storage"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	default:
		return "internal"
	}
}
