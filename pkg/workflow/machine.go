package workflow

import (
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"signflow/pkg/domain"
)

// Action is a closed set of transitions. Only types in this package
// implement it.
type Action interface {
	actor() domain.Actor
	isAction()
}

// Visar records the review step.
type Visar struct {
	Actor domain.Actor
}

// Sign records one signer's assertion. An empty SignerID resolves to the
// only pending signer, which covers single-signer documents.
type Sign struct {
	Actor    domain.Actor
	SignerID string
}

// Reject ends the workflow. SignerID is set when a signer rejects through
// their own link.
type Reject struct {
	Actor    domain.Actor
	SignerID string
	Reason   string
}

// AddSigner appends a signer to a pending document.
type AddSigner struct {
	Actor  domain.Actor
	Signer domain.Signer
}

func (a Visar) actor() domain.Actor     { return a.Actor }
func (a Sign) actor() domain.Actor      { return a.Actor }
func (a Reject) actor() domain.Actor    { return a.Actor }
func (a AddSigner) actor() domain.Actor { return a.Actor }

// ActorOf returns the actor performing a.
func ActorOf(a Action) domain.Actor {
	return a.actor()
}

func (Visar) isAction()     {}
func (Sign) isAction()      {}
func (Reject) isAction()    {}
func (AddSigner) isAction() {}

// Mutation is the result of applying an action. Document, Signers and Event
// must be persisted in a single transaction.
type Mutation struct {
	Document domain.Document
	// Signers holds the signer rows to insert or update.
	Signers []domain.Signer
	Event   domain.Event
	// Completed is set when this mutation completed the signer quorum.
	Completed bool
	// OpenedSignature is set when the document entered PENDING_SIGNATURE.
	OpenedSignature bool
}

// Apply validates the action against the current state and returns the
// resulting mutation. It never touches storage.
func Apply(action Action, doc domain.Document, signers []domain.Signer, now time.Time) (Mutation, error) {
	now = now.UTC()
	switch a := action.(type) {
	case Visar:
		return applyVisar(a, doc, signers, now)
	case Sign:
		return applySign(a, doc, signers, now)
	case Reject:
		return applyReject(a, doc, signers, now)
	case AddSigner:
		return applyAddSigner(a, doc, signers, now)
	default:
		return Mutation{}, fmt.Errorf("%w: unsupported action %T", ErrValidation, action)
	}
}

func applyVisar(a Visar, doc domain.Document, signers []domain.Signer, now time.Time) (Mutation, error) {
	switch {
	case doc.Status == domain.StatusSigned:
		return Mutation{}, fmt.Errorf("%w: document already signed", ErrInvalidTransition)
	case doc.Status == domain.StatusRejected:
		return Mutation{}, fmt.Errorf("%w: document rejected", ErrInvalidTransition)
	case !doc.RequiresVisado:
		return Mutation{}, fmt.Errorf("%w: document does not require review", ErrInvalidTransition)
	case doc.Status != domain.StatusPendingReview:
		return Mutation{}, fmt.Errorf("%w: wrong status %s", ErrInvalidTransition, doc.Status)
	}
	from := doc.Status
	doc.ReviewedAt = &now
	doc.Status = DeriveStatus(doc, signers)
	doc.UpdatedAt = now
	return Mutation{
		Document:        doc,
		Event:           newEvent(doc, a.Actor, domain.ActionVisado, "document reviewed", from, now, nil),
		OpenedSignature: doc.Status == domain.StatusPendingSignature,
	}, nil
}

func applySign(a Sign, doc domain.Document, signers []domain.Signer, now time.Time) (Mutation, error) {
	if doc.Status == domain.StatusRejected {
		return Mutation{}, fmt.Errorf("%w: document rejected", ErrInvalidTransition)
	}
	idx, err := resolveSigner(signers, a.SignerID)
	if err != nil {
		return Mutation{}, err
	}
	if signers[idx].Status == domain.SignerSigned {
		return Mutation{}, fmt.Errorf("%w: signer %s", ErrAlreadySigned, signers[idx].ID)
	}
	switch doc.Status {
	case domain.StatusSigned:
		return Mutation{}, ErrAlreadyFinal
	case domain.StatusPendingReview:
		return Mutation{}, fmt.Errorf("%w: review pending", ErrInvalidTransition)
	case domain.StatusPendingSignature:
	default:
		return Mutation{}, fmt.Errorf("%w: wrong status %s", ErrInvalidTransition, doc.Status)
	}

	signed, err := MarkSigned(signers[idx], now)
	if err != nil {
		return Mutation{}, err
	}
	updated := replaceSigner(signers, idx, signed)
	complete, err := AllSigned(updated)
	if err != nil {
		return Mutation{}, err
	}
	q := Tally(updated)

	from := doc.Status
	doc.Status = DeriveStatus(doc, updated)
	doc.UpdatedAt = now
	meta := map[string]string{
		"signerId": signed.ID,
		"signed":   strconv.Itoa(q.Signed),
		"total":    strconv.Itoa(q.Total),
	}
	action := domain.ActionSignedPartial
	detail := fmt.Sprintf("%s signed (%d of %d)", signed.Name, q.Signed, q.Total)
	if complete {
		doc.CompletedAt = &now
		action = domain.ActionSignedComplete
		detail = fmt.Sprintf("%s signed; all %d signatures collected", signed.Name, q.Total)
	}
	return Mutation{
		Document:  doc,
		Signers:   []domain.Signer{signed},
		Event:     newEvent(doc, a.Actor, action, detail, from, now, meta),
		Completed: complete,
	}, nil
}

func applyReject(a Reject, doc domain.Document, signers []domain.Signer, now time.Time) (Mutation, error) {
	reason := strings.TrimSpace(a.Reason)
	if reason == "" {
		return Mutation{}, fmt.Errorf("%w: reject reason required", ErrValidation)
	}
	if doc.Status.Terminal() {
		return Mutation{}, fmt.Errorf("%w: status %s", ErrAlreadyFinal, doc.Status)
	}
	var changed []domain.Signer
	meta := map[string]string{}
	if a.SignerID != "" {
		idx, err := resolveSigner(signers, a.SignerID)
		if err != nil {
			return Mutation{}, err
		}
		s := signers[idx]
		if s.Status == domain.SignerSigned {
			return Mutation{}, fmt.Errorf("%w: signer %s", ErrAlreadySigned, s.ID)
		}
		s.Status = domain.SignerRejected
		s.RejectReason = reason
		s.UpdatedAt = now
		changed = append(changed, s)
		signers = replaceSigner(signers, idx, s)
		meta["signerId"] = s.ID
	}
	from := doc.Status
	doc.RejectedAt = &now
	doc.RejectReason = reason
	doc.Status = DeriveStatus(doc, signers)
	doc.UpdatedAt = now
	return Mutation{
		Document: doc,
		Signers:  changed,
		Event:    newEvent(doc, a.Actor, domain.ActionRejected, "rejected: "+reason, from, now, meta),
	}, nil
}

func applyAddSigner(a AddSigner, doc domain.Document, signers []domain.Signer, now time.Time) (Mutation, error) {
	if doc.Status.Terminal() {
		return Mutation{}, fmt.Errorf("%w: status %s", ErrAlreadyFinal, doc.Status)
	}
	s := a.Signer
	if err := ValidateSigner(s); err != nil {
		return Mutation{}, err
	}
	if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.SignToken) == "" {
		return Mutation{}, fmt.Errorf("%w: signer id and token required", ErrValidation)
	}
	email := strings.ToLower(strings.TrimSpace(s.Email))
	position := 0
	for _, existing := range signers {
		if strings.EqualFold(existing.Email, email) {
			return Mutation{}, fmt.Errorf("%w: signer %s already present", ErrValidation, email)
		}
		if existing.Position > position {
			position = existing.Position
		}
	}
	s.DocumentID = doc.ID
	s.Email = email
	s.Position = position + 1
	s.Status = domain.SignerPending
	s.CreatedAt = now
	s.UpdatedAt = now
	updated := append(append([]domain.Signer(nil), signers...), s)

	from := doc.Status
	doc.Status = DeriveStatus(doc, updated)
	doc.UpdatedAt = now
	meta := map[string]string{"signerId": s.ID}
	return Mutation{
		Document: doc,
		Signers:  []domain.Signer{s},
		Event:    newEvent(doc, a.Actor, domain.ActionSignerAdded, "signer added: "+s.Name, from, now, meta),
	}, nil
}

// ValidateSigner checks the fields every signer must carry.
func ValidateSigner(s domain.Signer) error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: signer name required", ErrValidation)
	}
	if !ValidEmail(s.Email) {
		return fmt.Errorf("%w: invalid signer email %q", ErrValidation, s.Email)
	}
	if strings.TrimSpace(s.NationalID) == "" {
		return fmt.Errorf("%w: signer national id required", ErrValidation)
	}
	return nil
}

// ValidEmail reports whether raw is a bare address.
func ValidEmail(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	addr, err := mail.ParseAddress(raw)
	return err == nil && addr.Address == raw
}

func resolveSigner(signers []domain.Signer, id string) (int, error) {
	id = strings.TrimSpace(id)
	if id != "" {
		for i, s := range signers {
			if s.ID == id {
				return i, nil
			}
		}
		return -1, fmt.Errorf("%w: signer %s", ErrNotFound, id)
	}
	if len(signers) == 0 {
		return -1, ErrNoSigners
	}
	idx := -1
	for i, s := range signers {
		if s.Status != domain.SignerPending {
			continue
		}
		if idx >= 0 {
			return -1, fmt.Errorf("%w: signerId required when several signers are pending", ErrValidation)
		}
		idx = i
	}
	if idx < 0 {
		// nothing pending: surface the first signer so the caller gets AlreadySigned
		return 0, nil
	}
	return idx, nil
}

func replaceSigner(signers []domain.Signer, idx int, s domain.Signer) []domain.Signer {
	out := append([]domain.Signer(nil), signers...)
	out[idx] = s
	return out
}

func newEvent(doc domain.Document, actor domain.Actor, action, detail string, from domain.DocumentStatus, now time.Time, meta map[string]string) domain.Event {
	if len(meta) == 0 {
		meta = nil
	}
	return domain.Event{
		DocumentID: doc.ID,
		Actor:      actor.Describe(),
		Action:     action,
		Detail:     detail,
		FromStatus: from,
		ToStatus:   doc.Status,
		Metadata:   meta,
		CreatedAt:  now,
	}
}
