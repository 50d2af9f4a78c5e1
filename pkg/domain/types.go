package domain

import (
	"strings"
	"time"
)

type DocumentStatus string

const (
	StatusDraft            DocumentStatus = "DRAFT"
	StatusPendingReview    DocumentStatus = "PENDING_REVIEW"
	StatusPendingSignature DocumentStatus = "PENDING_SIGNATURE"
	StatusSigned           DocumentStatus = "SIGNED"
	StatusRejected         DocumentStatus = "REJECTED"
)

// Terminal reports whether no further transition is allowed from s.
func (s DocumentStatus) Terminal() bool {
	return s == StatusSigned || s == StatusRejected
}

type SignerStatus string

const (
	SignerPending  SignerStatus = "PENDING"
	SignerSigned   SignerStatus = "SIGNED"
	SignerRejected SignerStatus = "REJECTED"
)

type ActorKind string

const (
	ActorOwner   ActorKind = "owner"
	ActorVisador ActorKind = "visador"
	ActorSigner  ActorKind = "signer"
	ActorSystem  ActorKind = "system"
)

// Action codes written to the audit trail.
const (
	ActionCreated        = "CREATED"
	ActionVisado         = "VISADO"
	ActionSignedPartial  = "SIGNED_PARTIAL"
	ActionSignedComplete = "SIGNED_COMPLETE"
	ActionRejected       = "REJECTED"
	ActionSignerAdded    = "SIGNER_ADDED"
	ActionArtifactSealed = "ARTIFACT_SEALED"
)

// Actor identifies who performed an action.
type Actor struct {
	ID    string    `json:"id,omitempty"`
	Name  string    `json:"name"`
	Email string    `json:"email,omitempty"`
	Kind  ActorKind `json:"kind"`
}

// Describe renders the actor for the audit trail.
func (a Actor) Describe() string {
	name := strings.TrimSpace(a.Name)
	email := strings.TrimSpace(a.Email)
	switch {
	case name != "" && email != "":
		return name + " <" + email + ">"
	case name != "":
		return name
	case email != "":
		return email
	case a.Kind != "":
		return string(a.Kind)
	default:
		return "unknown"
	}
}

// SystemActor is used for pipeline-originated events.
var SystemActor = Actor{Name: "system", Kind: ActorSystem}

type Document struct {
	ID                   string         `json:"id"`
	OwnerID              string         `json:"ownerId"`
	OwnerName            string         `json:"ownerName"`
	OwnerEmail           string         `json:"ownerEmail,omitempty"`
	Title                string         `json:"title"`
	Description          string         `json:"description"`
	CompanyID            string         `json:"companyId"`
	OriginalFilename     string         `json:"originalFilename"`
	OriginalKey          string         `json:"-"`
	WatermarkedKey       string         `json:"-"`
	SealedKey            string         `json:"-"`
	Status               DocumentStatus `json:"status"`
	RequiresVisado       bool           `json:"requiresVisado"`
	VisadorName          string         `json:"visadorName,omitempty"`
	VisadorEmail         string         `json:"visadorEmail,omitempty"`
	ReviewedAt           *time.Time     `json:"reviewedAt,omitempty"`
	AccessToken          string         `json:"-"`
	AccessTokenExpiresAt time.Time      `json:"-"`
	Sequence             int64          `json:"sequence"`
	ContractNumber       string         `json:"contractNumber"`
	VerificationCode     string         `json:"verificationCode"`
	RejectReason         string         `json:"rejectReason,omitempty"`
	RejectedAt           *time.Time     `json:"rejectedAt,omitempty"`
	CompletedAt          *time.Time     `json:"completedAt,omitempty"`
	CreatedAt            time.Time      `json:"createdAt"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

// Sealed reports whether the final artifact has been produced.
func (d Document) Sealed() bool {
	return strings.TrimSpace(d.SealedKey) != ""
}

type Signer struct {
	ID                 string       `json:"id"`
	DocumentID         string       `json:"documentId"`
	Position           int          `json:"position"`
	Name               string       `json:"name"`
	Email              string       `json:"email"`
	NationalID         string       `json:"nationalId"`
	SignToken          string       `json:"-"`
	SignTokenExpiresAt *time.Time   `json:"-"`
	Status             SignerStatus `json:"status"`
	SignedAt           *time.Time   `json:"signedAt,omitempty"`
	RejectReason       string       `json:"rejectReason,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
}

// Event is an immutable audit record.
type Event struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"documentId"`
	Seq        int64             `json:"seq"`
	Actor      string            `json:"actor"`
	Action     string            `json:"action"`
	Detail     string            `json:"detail"`
	FromStatus DocumentStatus    `json:"fromStatus"`
	ToStatus   DocumentStatus    `json:"toStatus"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}
