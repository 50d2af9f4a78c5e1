package queue

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job states kept in the status hash.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Job kinds dispatched after a transition commits.
const (
	KindSeal            = "seal"
	KindNotifyVisador   = "notify.visador"
	KindNotifySigners   = "notify.signers"
	KindNotifySigner    = "notify.signer"
	KindNotifyCompleted = "notify.completed"
	KindNotifyRejected  = "notify.rejected"
)

// Job is a post-commit side effect. Ref narrows the target: a signer ID for
// KindNotifySigner, an event ID for KindNotifyRejected.
type Job struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	DocumentID   string    `json:"documentId"`
	Ref          string    `json:"ref,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Handler processes one job. A non-nil error schedules a retry until the
// kind's retry budget is spent.
type Handler func(context.Context, Job) error

// target identifies the side effect independent of the job instance; two
// jobs with the same target are duplicates while one is in flight.
func (j Job) target() string {
	return j.Kind + "|" + j.DocumentID + "|" + j.Ref
}

func (j Job) streamValues() map[string]any {
	return map[string]any{
		"job_id":      j.ID,
		"kind":        j.Kind,
		"document_id": j.DocumentID,
		"ref":         j.Ref,
	}
}

func jobFromMessage(msg redis.XMessage) Job {
	field := func(name string) string {
		v, _ := msg.Values[name].(string)
		return strings.TrimSpace(v)
	}
	return Job{
		ID:         field("job_id"),
		Kind:       field("kind"),
		DocumentID: field("document_id"),
		Ref:        field("ref"),
	}
}

func (j Job) hash() map[string]any {
	return map[string]any{
		"kind":       j.Kind,
		"documentId": j.DocumentID,
		"ref":        j.Ref,
		"status":     j.Status,
		"error":      j.ErrorMessage,
		"attempts":   strconv.Itoa(j.Attempts),
		"createdAt":  j.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":  j.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func jobFromHash(id string, h map[string]string) Job {
	job := Job{
		ID:           id,
		Kind:         h["kind"],
		DocumentID:   h["documentId"],
		Ref:          h["ref"],
		Status:       h["status"],
		ErrorMessage: h["error"],
	}
	job.Attempts, _ = strconv.Atoi(h["attempts"])
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, h["createdAt"])
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, h["updatedAt"])
	return job
}
