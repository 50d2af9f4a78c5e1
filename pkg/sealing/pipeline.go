// Package sealing produces the watermarked and sealed PDF artifacts. The
// original upload is never modified, so a sealed copy can always be
// re-derived from it.
package sealing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"signflow/pkg/storage"
	"signflow/pkg/workflow"
)

const pdfContentType = "application/pdf"

// Artifacts are the keys written by Prepare.
type Artifacts struct {
	OriginalKey    string
	WatermarkedKey string
	Pages          int
}

// SealRequest describes a completed document to seal.
type SealRequest struct {
	DocumentID       string
	SourceKey        string
	ContractNumber   string
	VerificationCode string
	CompletedAt      time.Time
	Signers          []string
}

// Pipeline runs both sealing phases against an object store.
type Pipeline struct {
	objects       storage.ObjectStore
	stamper       Stamper
	inspect       func([]byte) (int, error)
	publicBaseURL string
	legalBasis    string
	qrSize        int
	watermark     string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLegalBasis overrides the statement printed in the seal.
func WithLegalBasis(text string) Option {
	return func(p *Pipeline) {
		if strings.TrimSpace(text) != "" {
			p.legalBasis = text
		}
	}
}

// WithQRSize sets the QR image size in pixels.
func WithQRSize(px int) Option {
	return func(p *Pipeline) {
		if px > 0 {
			p.qrSize = px
		}
	}
}

// WithWatermarkText overrides the draft watermark.
func WithWatermarkText(text string) Option {
	return func(p *Pipeline) {
		if strings.TrimSpace(text) != "" {
			p.watermark = text
		}
	}
}

func NewPipeline(objects storage.ObjectStore, stamper Stamper, publicBaseURL string, opts ...Option) *Pipeline {
	p := &Pipeline{
		objects:       objects,
		stamper:       stamper,
		inspect:       PageCount,
		publicBaseURL: publicBaseURL,
		legalBasis:    DefaultLegalBasis,
		qrSize:        256,
		watermark:     DraftWatermark,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Prepare validates the upload, watermarks it and stores the original and
// the watermarked copy. Any failure removes whatever was uploaded.
func (p *Pipeline) Prepare(ctx context.Context, docID string, src []byte) (Artifacts, error) {
	if len(src) == 0 {
		return Artifacts{}, fmt.Errorf("%w: empty file", workflow.ErrValidation)
	}
	pages, err := p.inspect(src)
	if err != nil {
		return Artifacts{}, fmt.Errorf("%w: unreadable pdf: %v", workflow.ErrValidation, err)
	}
	marked, err := p.stamper.Watermark(src, p.watermark)
	if err != nil {
		return Artifacts{}, fmt.Errorf("%w: watermark: %v", workflow.ErrStorageFailure, err)
	}

	arts := Artifacts{OriginalKey: OriginalKey(docID), WatermarkedKey: WatermarkedKey(docID), Pages: pages}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.objects.Put(gctx, arts.OriginalKey, bytes.NewReader(src), int64(len(src)), pdfContentType)
	})
	g.Go(func() error {
		return p.objects.Put(gctx, arts.WatermarkedKey, bytes.NewReader(marked), int64(len(marked)), pdfContentType)
	})
	if err := g.Wait(); err != nil {
		p.Discard(context.WithoutCancel(ctx), arts)
		return Artifacts{}, fmt.Errorf("%w: upload: %v", workflow.ErrStorageFailure, err)
	}
	return arts, nil
}

// Discard deletes the artifacts of a creation that did not commit.
func (p *Pipeline) Discard(ctx context.Context, arts Artifacts) {
	for _, key := range []string{arts.OriginalKey, arts.WatermarkedKey} {
		if key == "" {
			continue
		}
		if err := p.objects.Delete(ctx, key); err != nil {
			slog.Warn("discard artifact failed", "key", key, "err", err)
		}
	}
}

// Seal stamps the verification block onto the pristine original and stores
// it under the derived sealed key. Running it twice yields the same key and
// content source.
func (p *Pipeline) Seal(ctx context.Context, req SealRequest) (string, error) {
	source := strings.TrimSpace(req.SourceKey)
	if source == "" {
		source = OriginalKey(req.DocumentID)
	}
	if IsSealedKey(source) {
		return "", fmt.Errorf("%w: source %s is already sealed", workflow.ErrValidation, source)
	}
	if strings.TrimSpace(req.VerificationCode) == "" || strings.TrimSpace(req.ContractNumber) == "" {
		return "", fmt.Errorf("%w: contract number and verification code required", workflow.ErrValidation)
	}
	original, err := p.objects.Get(ctx, source)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return "", fmt.Errorf("%w: original missing: %v", workflow.ErrStorageFailure, err)
		}
		return "", fmt.Errorf("%w: fetch original: %v", workflow.ErrStorageFailure, err)
	}
	verifyURL := VerifyURL(p.publicBaseURL, req.VerificationCode)
	qr, err := QRCode(verifyURL, p.qrSize)
	if err != nil {
		return "", err
	}
	sealed, err := p.stamper.Seal(original, Block{
		ContractNumber:   req.ContractNumber,
		VerificationCode: req.VerificationCode,
		VerifyURL:        verifyURL,
		LegalBasis:       p.legalBasis,
		CompletedAt:      req.CompletedAt,
		Signers:          req.Signers,
		QR:               qr,
	})
	if err != nil {
		return "", fmt.Errorf("%w: stamp: %v", workflow.ErrStorageFailure, err)
	}
	key := SealedKey(source)
	if err := p.objects.Put(ctx, key, bytes.NewReader(sealed), int64(len(sealed)), pdfContentType); err != nil {
		return "", fmt.Errorf("%w: upload sealed: %v", workflow.ErrStorageFailure, err)
	}
	return key, nil
}
