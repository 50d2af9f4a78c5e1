package domain

// Step labels the current and upcoming stage of a document.
type Step struct {
	Current string `json:"current"`
	Next    string `json:"next"`
}

// Progress maps a status to a completion percentage. It depends only on the
// status and the review gate, never on the length of the audit trail.
func Progress(status DocumentStatus, requiresVisado bool) int {
	switch status {
	case StatusPendingReview:
		return 25
	case StatusPendingSignature:
		if requiresVisado {
			return 75
		}
		return 50
	case StatusSigned:
		return 100
	default:
		return 0
	}
}

// StepFor returns human labels for the current and next step.
func StepFor(status DocumentStatus) Step {
	switch status {
	case StatusDraft:
		return Step{Current: "Draft", Next: "Submission"}
	case StatusPendingReview:
		return Step{Current: "Pending review (visado)", Next: "Signatures"}
	case StatusPendingSignature:
		return Step{Current: "Pending signatures", Next: "Sealing"}
	case StatusSigned:
		return Step{Current: "Signed", Next: ""}
	case StatusRejected:
		return Step{Current: "Rejected", Next: ""}
	default:
		return Step{}
	}
}
