package store

import (
	"context"
	"errors"

	"signflow/pkg/domain"
)

// ErrUnchanged is returned by a TransitionFunc to release the lock without
// writing anything.
var ErrUnchanged = errors.New("no change")

// NewDocument carries everything written by document creation. The
// correlative is minted inside the same transaction and rendered by Number.
type NewDocument struct {
	Document domain.Document
	Signers  []domain.Signer
	Event    domain.Event
	Counter  string
	Number   func(value int64) string
}

// Change is the set of rows a transition writes atomically.
type Change struct {
	Document domain.Document
	// Signers are inserted or updated by ID.
	Signers []domain.Signer
	Event   domain.Event
}

// TransitionFunc computes a change from the locked document and its signers.
type TransitionFunc func(doc domain.Document, signers []domain.Signer) (Change, error)

// Store defines persistence for documents, signers, events and counters.
type Store interface {
	// documents
	CreateDocument(ctx context.Context, in NewDocument) (domain.Document, error)
	GetDocument(ctx context.Context, id string) (domain.Document, bool, error)
	GetDocumentByAccessToken(ctx context.Context, token string) (domain.Document, bool, error)
	GetDocumentByVerificationCode(ctx context.Context, code string) (domain.Document, bool, error)
	ListDocumentsByOwner(ctx context.Context, ownerID string) ([]domain.Document, error)
	ListUnsealed(ctx context.Context, limit int) ([]domain.Document, error)

	// Transition locks the document row, loads its signers, runs fn and
	// persists the returned change in one transaction. The committed change
	// is returned with event ID and Seq assigned.
	Transition(ctx context.Context, docID string, fn TransitionFunc) (Change, error)

	// signers
	GetSignerByToken(ctx context.Context, token string) (domain.Signer, bool, error)
	ListSigners(ctx context.Context, docID string) ([]domain.Signer, error)

	// events, ordered by created_at then seq
	ListEvents(ctx context.Context, docID string) ([]domain.Event, error)
}
