package workflow

import "signflow/pkg/domain"

// DeriveStatus computes the document status from the review gate, the
// rejection flag and the signer quorum. Status is never set independently.
func DeriveStatus(doc domain.Document, signers []domain.Signer) domain.DocumentStatus {
	if doc.RejectedAt != nil {
		return domain.StatusRejected
	}
	if Tally(signers).Complete() {
		return domain.StatusSigned
	}
	if doc.RequiresVisado && doc.ReviewedAt == nil {
		return domain.StatusPendingReview
	}
	return domain.StatusPendingSignature
}

// Consistent reports whether the stored status matches its derivation.
func Consistent(doc domain.Document, signers []domain.Signer) bool {
	return doc.Status == DeriveStatus(doc, signers)
}
