package workflow

import (
	"fmt"
	"time"

	"signflow/pkg/domain"
)

// Quorum is a tally of signer states computed from one consistent read.
type Quorum struct {
	Total    int `json:"total"`
	Signed   int `json:"signed"`
	Rejected int `json:"rejected"`
	Pending  int `json:"pending"`
}

// Complete reports whether every signer has signed.
func (q Quorum) Complete() bool {
	return q.Total > 0 && q.Signed == q.Total
}

// Tally counts signer states.
func Tally(signers []domain.Signer) Quorum {
	q := Quorum{Total: len(signers)}
	for _, s := range signers {
		switch s.Status {
		case domain.SignerSigned:
			q.Signed++
		case domain.SignerRejected:
			q.Rejected++
		default:
			q.Pending++
		}
	}
	return q
}

// AllSigned is true iff every signer of the document has signed.
// A document without signers is an invariant violation, not a vacuous truth.
func AllSigned(signers []domain.Signer) (bool, error) {
	if len(signers) == 0 {
		return false, ErrNoSigners
	}
	return Tally(signers).Complete(), nil
}

// MarkSigned records a signature. Signing twice fails so the audit trail
// never carries a duplicate assertion.
func MarkSigned(s domain.Signer, now time.Time) (domain.Signer, error) {
	switch s.Status {
	case domain.SignerSigned:
		return s, fmt.Errorf("%w: signer %s", ErrAlreadySigned, s.ID)
	case domain.SignerRejected:
		return s, fmt.Errorf("%w: signer %s rejected the document", ErrInvalidTransition, s.ID)
	}
	at := now.UTC()
	s.Status = domain.SignerSigned
	s.SignedAt = &at
	s.UpdatedAt = at
	return s, nil
}
