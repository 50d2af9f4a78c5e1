package sealing

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"signflow/internal/pdftest"
	"signflow/pkg/storage"
	"signflow/pkg/workflow"
)

type markStamper struct {
	sealCalls int
}

func (m *markStamper) Watermark(src []byte, text string) ([]byte, error) {
	return append(append([]byte(nil), src...), []byte("\n%WM "+text)...), nil
}

func (m *markStamper) Seal(src []byte, block Block) ([]byte, error) {
	m.sealCalls++
	return append(append([]byte(nil), src...), []byte("\n%SEAL "+block.VerificationCode)...), nil
}

func TestSealedKeyDerivation(t *testing.T) {
	cases := map[string]string{
		"documents/d1/original.pdf":        "documents/d1/original.sealed.pdf",
		"documents/d1/original.sealed.pdf": "documents/d1/original.sealed.pdf",
		"uploads/contract":                 "uploads/contract.sealed.pdf",
	}
	for in, want := range cases {
		if got := SealedKey(in); got != want {
			t.Fatalf("SealedKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPrepareStoresOriginalAndWatermarked(t *testing.T) {
	objects := storage.NewMemoryStore("")
	p := NewPipeline(objects, &markStamper{}, "https://sign.example.com")
	src := pdftest.Minimal(2)

	arts, err := p.Prepare(context.Background(), "doc-1", src)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if arts.Pages != 2 {
		t.Fatalf("pages = %d, want 2", arts.Pages)
	}
	original, err := objects.Get(context.Background(), arts.OriginalKey)
	if err != nil {
		t.Fatalf("get original: %v", err)
	}
	if !bytes.Equal(original, src) {
		t.Fatalf("original must be stored untouched")
	}
	marked, _ := objects.Get(context.Background(), arts.WatermarkedKey)
	if !bytes.Contains(marked, []byte(DraftWatermark)) {
		t.Fatalf("watermarked copy missing watermark")
	}
}

func TestPrepareRejectsNonPDF(t *testing.T) {
	objects := storage.NewMemoryStore("")
	p := NewPipeline(objects, &markStamper{}, "")
	for _, src := range [][]byte{nil, []byte("hello world")} {
		if _, err := p.Prepare(context.Background(), "doc-1", src); !errors.Is(err, workflow.ErrValidation) {
			t.Fatalf("err = %v, want ErrValidation", err)
		}
	}
	if objects.Len() != 0 {
		t.Fatalf("nothing should be uploaded")
	}
}

func TestPrepareFailureDeletesUploads(t *testing.T) {
	objects := storage.NewMemoryStore("")
	objects.FailPut = func(key string) error {
		if strings.HasSuffix(key, "watermarked.pdf") {
			return errors.New("bucket unavailable")
		}
		return nil
	}
	p := NewPipeline(objects, &markStamper{}, "")
	_, err := p.Prepare(context.Background(), "doc-1", pdftest.Minimal(1))
	if !errors.Is(err, workflow.ErrStorageFailure) {
		t.Fatalf("err = %v, want ErrStorageFailure", err)
	}
	if objects.Has(OriginalKey("doc-1")) {
		t.Fatalf("original must be removed after a failed prepare")
	}
}

func TestSealAlwaysStampsPristineOriginal(t *testing.T) {
	objects := storage.NewMemoryStore("")
	stamper := &markStamper{}
	p := NewPipeline(objects, stamper, "https://sign.example.com/")
	arts, err := p.Prepare(context.Background(), "doc-1", pdftest.Minimal(1))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	req := SealRequest{DocumentID: "doc-1", SourceKey: arts.OriginalKey, ContractNumber: "CTR-2026-000001", VerificationCode: "ABCDEFGHJK"}

	first, err := p.Seal(context.Background(), req)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	second, err := p.Seal(context.Background(), req)
	if err != nil {
		t.Fatalf("reseal: %v", err)
	}
	if first != second || first != "documents/doc-1/original.sealed.pdf" {
		t.Fatalf("sealed keys %q / %q", first, second)
	}
	sealed, _ := objects.Get(context.Background(), first)
	if n := bytes.Count(sealed, []byte("%SEAL")); n != 1 {
		t.Fatalf("seal stamps = %d, want 1", n)
	}
	if bytes.Contains(sealed, []byte("%WM")) {
		t.Fatalf("sealed copy must not carry the draft watermark")
	}

	if _, err := p.Seal(context.Background(), SealRequest{SourceKey: first, ContractNumber: "x", VerificationCode: "y"}); !errors.Is(err, workflow.ErrValidation) {
		t.Fatalf("sealing a sealed key err = %v, want ErrValidation", err)
	}
}

func TestSealMissingOriginalIsStorageFailure(t *testing.T) {
	p := NewPipeline(storage.NewMemoryStore(""), &markStamper{}, "")
	_, err := p.Seal(context.Background(), SealRequest{DocumentID: "nope", ContractNumber: "c", VerificationCode: "v"})
	if !errors.Is(err, workflow.ErrStorageFailure) {
		t.Fatalf("err = %v, want ErrStorageFailure", err)
	}
}

func TestQRCodeIsPNG(t *testing.T) {
	png, err := QRCode(VerifyURL("https://sign.example.com/", "ABCDEFGHJK"), 128)
	if err != nil {
		t.Fatalf("qr: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG\r\n\x1a\n")) {
		t.Fatalf("qr output is not a png")
	}
	if got := VerifyURL("https://sign.example.com/", "ABC"); got != "https://sign.example.com/verify/ABC" {
		t.Fatalf("verify url = %q", got)
	}
}

func TestPDFCPUStamperKeepsPageCount(t *testing.T) {
	s := NewPDFCPUStamper()
	src := pdftest.Minimal(2)
	marked, err := s.Watermark(src, DraftWatermark)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if pages, err := PageCount(marked); err != nil || pages != 2 {
		t.Fatalf("watermarked pages = %d, %v", pages, err)
	}
	qr, err := QRCode("https://sign.example.com/verify/ABCDEFGHJK", 128)
	if err != nil {
		t.Fatalf("qr: %v", err)
	}
	sealed, err := s.Seal(src, Block{ContractNumber: "CTR-2026-000001", VerificationCode: "ABCDEFGHJK", VerifyURL: "https://sign.example.com/verify/ABCDEFGHJK", QR: qr})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if pages, err := PageCount(sealed); err != nil || pages != 2 {
		t.Fatalf("sealed pages = %d, %v", pages, err)
	}
}
