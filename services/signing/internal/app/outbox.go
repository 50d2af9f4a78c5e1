package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"signflow/internal/util"
	"signflow/pkg/domain"
	"signflow/pkg/metrics"
	"signflow/pkg/queue"
	"signflow/pkg/sealing"
	"signflow/pkg/store"
	"signflow/pkg/workflow"
	"signflow/services/signing/internal/notify"
)

// Dispatcher schedules a post-commit side effect.
type Dispatcher interface {
	Dispatch(ctx context.Context, kind, documentID, ref string) error
}

// QueueDispatcher hands jobs to the Redis stream.
type QueueDispatcher struct {
	Queue *queue.RedisJobQueue
}

func (d QueueDispatcher) Dispatch(ctx context.Context, kind, documentID, ref string) error {
	_, err := d.Queue.Enqueue(ctx, kind, documentID, ref)
	return err
}

// InlineDispatcher runs each job once on its own goroutine, detached from
// the caller's cancellation. It has no retries; the reseal sweep recovers
// failed seals. Wait blocks until every started job has returned.
type InlineDispatcher struct {
	Handle queue.Handler
	wg     sync.WaitGroup
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, kind, documentID, ref string) error {
	if d.Handle == nil {
		return errors.New("inline dispatcher has no handler")
	}
	job := queue.Job{
		ID:         util.NewID(),
		Kind:       kind,
		DocumentID: documentID,
		Ref:        ref,
		Status:     queue.StatusProcessing,
		Attempts:   1,
	}
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Handle(ctx, job); err != nil {
			util.LoggerFromContext(ctx).Warn("post-commit job failed", "kind", kind, "document_id", documentID, "err", err)
		}
	}()
	return nil
}

// Wait blocks until running jobs finish.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}

// Wait blocks until post-commit jobs started in-process have finished.
// Jobs handed to the Redis queue are not tracked.
func (a *App) Wait() {
	if w, ok := a.dispatcher.(interface{ Wait() }); ok {
		w.Wait()
	}
}

// dispatch never fails the committed transition; errors are only logged.
func (a *App) dispatch(ctx context.Context, kind, docID, ref string) {
	if err := a.dispatcher.Dispatch(ctx, kind, docID, ref); err != nil {
		util.LoggerFromContext(ctx).Warn("post-commit job failed", "kind", kind, "document_id", docID, "err", err)
	}
}

// HandleJob executes one outbox job. Returned errors are retried by the queue.
func (a *App) HandleJob(ctx context.Context, job queue.Job) error {
	doc, ok, err := a.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: document %s", workflow.ErrNotFound, job.DocumentID)
	}
	switch job.Kind {
	case queue.KindSeal:
		return a.seal(ctx, doc)
	case queue.KindNotifyVisador:
		return a.notifyVisador(ctx, doc)
	case queue.KindNotifySigners:
		return a.notifySigners(ctx, doc)
	case queue.KindNotifySigner:
		return a.notifySigner(ctx, doc, job.Ref)
	case queue.KindNotifyCompleted:
		return a.notifyCompleted(ctx, doc)
	case queue.KindNotifyRejected:
		return a.notifyRejected(ctx, doc, job.Ref)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// seal runs phase 2 and records the sealed key. A document already sealed
// is left untouched.
func (a *App) seal(ctx context.Context, doc domain.Document) error {
	if doc.Status != domain.StatusSigned || doc.Sealed() {
		return nil
	}
	signers, err := a.store.ListSigners(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("list signers: %w", err)
	}
	names := make([]string, 0, len(signers))
	for _, s := range signers {
		names = append(names, fmt.Sprintf("%s (%s)", s.Name, s.NationalID))
	}
	completedAt := doc.UpdatedAt
	if doc.CompletedAt != nil {
		completedAt = *doc.CompletedAt
	}
	key, err := a.pipeline.Seal(ctx, sealing.SealRequest{
		DocumentID:       doc.ID,
		SourceKey:        doc.OriginalKey,
		ContractNumber:   doc.ContractNumber,
		VerificationCode: doc.VerificationCode,
		CompletedAt:      completedAt,
		Signers:          names,
	})
	if err != nil {
		metrics.Sealing.WithLabelValues("seal", "failure").Inc()
		util.LoggerFromContext(ctx).Error("seal failed", "document_id", doc.ID, "err", err)
		return err
	}
	_, err = a.store.Transition(ctx, doc.ID, func(cur domain.Document, _ []domain.Signer) (store.Change, error) {
		if cur.Sealed() {
			return store.Change{}, store.ErrUnchanged
		}
		now := a.clock()
		cur.SealedKey = key
		cur.UpdatedAt = now
		return store.Change{
			Document: cur,
			Event: domain.Event{
				DocumentID: cur.ID,
				Actor:      domain.SystemActor.Describe(),
				Action:     domain.ActionArtifactSealed,
				Detail:     "sealed artifact generated",
				FromStatus: cur.Status,
				ToStatus:   cur.Status,
				Metadata:   map[string]string{"contractNumber": cur.ContractNumber},
				CreatedAt:  now,
			},
		}, nil
	})
	if errors.Is(err, store.ErrUnchanged) {
		return nil
	}
	if err != nil {
		metrics.Sealing.WithLabelValues("seal", "failure").Inc()
		return fmt.Errorf("record sealed artifact: %w", err)
	}
	metrics.Sealing.WithLabelValues("seal", "success").Inc()
	return nil
}

// ResealPending re-enqueues phase 2 for signed documents that have no sealed
// artifact yet and returns how many were scheduled.
func (a *App) ResealPending(ctx context.Context, limit int) (int, error) {
	docs, err := a.store.ListUnsealed(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list unsealed: %w", err)
	}
	scheduled := 0
	for _, doc := range docs {
		if err := a.dispatcher.Dispatch(ctx, queue.KindSeal, doc.ID, ""); err != nil {
			util.LoggerFromContext(ctx).Warn("reseal dispatch failed", "document_id", doc.ID, "err", err)
			continue
		}
		scheduled++
	}
	return scheduled, nil
}

func (a *App) notifyVisador(ctx context.Context, doc domain.Document) error {
	if doc.Status != domain.StatusPendingReview || doc.VisadorEmail == "" {
		return nil
	}
	return a.send(ctx, queue.KindNotifyVisador, "visador", doc.VisadorEmail, notify.Data{
		RecipientName:  doc.VisadorName,
		Title:          doc.Title,
		ContractNumber: doc.ContractNumber,
		OwnerName:      doc.OwnerName,
		Link:           a.link("/public/documents/" + doc.AccessToken),
	})
}

// notifySigners fans out one job per pending signer so each invitation is
// retried on its own.
func (a *App) notifySigners(ctx context.Context, doc domain.Document) error {
	if doc.Status != domain.StatusPendingSignature {
		return nil
	}
	signers, err := a.store.ListSigners(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("list signers: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, s := range signers {
		if s.Status != domain.SignerPending {
			continue
		}
		signerID := s.ID
		g.Go(func() error {
			return a.dispatcher.Dispatch(gctx, queue.KindNotifySigner, doc.ID, signerID)
		})
	}
	return g.Wait()
}

func (a *App) notifySigner(ctx context.Context, doc domain.Document, signerID string) error {
	if doc.Status != domain.StatusPendingSignature {
		return nil
	}
	signers, err := a.store.ListSigners(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("list signers: %w", err)
	}
	for _, s := range signers {
		if s.ID != signerID {
			continue
		}
		if s.Status != domain.SignerPending {
			return nil
		}
		return a.send(ctx, queue.KindNotifySigner, "signer", s.Email, notify.Data{
			RecipientName:  s.Name,
			Title:          doc.Title,
			ContractNumber: doc.ContractNumber,
			OwnerName:      doc.OwnerName,
			Link:           a.link("/public/sign/" + s.SignToken),
		})
	}
	return fmt.Errorf("%w: signer %s", workflow.ErrNotFound, signerID)
}

func (a *App) notifyCompleted(ctx context.Context, doc domain.Document) error {
	if doc.OwnerEmail == "" {
		return nil
	}
	return a.send(ctx, queue.KindNotifyCompleted, "completed", doc.OwnerEmail, notify.Data{
		RecipientName:  doc.OwnerName,
		Title:          doc.Title,
		ContractNumber: doc.ContractNumber,
		Link:           sealing.VerifyURL(a.publicBaseURL, doc.VerificationCode),
	})
}

func (a *App) notifyRejected(ctx context.Context, doc domain.Document, eventID string) error {
	if doc.OwnerEmail == "" {
		return nil
	}
	actor := ""
	if strings.TrimSpace(eventID) != "" {
		events, err := a.store.ListEvents(ctx, doc.ID)
		if err != nil {
			return fmt.Errorf("list events: %w", err)
		}
		for _, e := range events {
			if e.ID == eventID {
				actor = e.Actor
				break
			}
		}
	}
	return a.send(ctx, queue.KindNotifyRejected, "rejected", doc.OwnerEmail, notify.Data{
		RecipientName:  doc.OwnerName,
		Title:          doc.Title,
		ContractNumber: doc.ContractNumber,
		Reason:         doc.RejectReason,
		Actor:          actor,
	})
}

func (a *App) send(ctx context.Context, kind, template, to string, data notify.Data) error {
	msg, err := notify.Render(template, to, data)
	if err != nil {
		return err
	}
	if err := a.sender.Send(ctx, msg); err != nil {
		metrics.Notifications.WithLabelValues(kind, "failure").Inc()
		return fmt.Errorf("%w: %s: %v", workflow.ErrNotificationFailure, kind, err)
	}
	metrics.Notifications.WithLabelValues(kind, "success").Inc()
	return nil
}
