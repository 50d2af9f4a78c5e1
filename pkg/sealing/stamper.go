package sealing

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// DraftWatermark is stamped across every page of the working copy.
const DraftWatermark = "BORRADOR - NO VÁLIDO COMO ORIGINAL"

// DefaultLegalBasis is printed in the verification block.
const DefaultLegalBasis = "Documento firmado electrónicamente. La integridad y el historial de firmas pueden verificarse en la dirección indicada."

// Block is the verification block stamped on the last page.
type Block struct {
	ContractNumber   string
	VerificationCode string
	VerifyURL        string
	LegalBasis       string
	CompletedAt      time.Time
	Signers          []string
	QR               []byte
}

// Lines renders the textual part of the block.
func (b Block) Lines() []string {
	lines := []string{
		"Contrato: " + b.ContractNumber,
		"Código de verificación: " + b.VerificationCode,
	}
	if !b.CompletedAt.IsZero() {
		lines = append(lines, "Firmado: "+b.CompletedAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	if len(b.Signers) > 0 {
		lines = append(lines, "Firmantes: "+strings.Join(b.Signers, ", "))
	}
	lines = append(lines, "Verificar en: "+b.VerifyURL)
	if legal := strings.TrimSpace(b.LegalBasis); legal != "" {
		lines = append(lines, legal)
	}
	return lines
}

// Stamper renders overlays onto PDF bytes.
type Stamper interface {
	Watermark(src []byte, text string) ([]byte, error)
	Seal(src []byte, block Block) ([]byte, error)
}

// PDFCPUStamper stamps with pdfcpu.
type PDFCPUStamper struct {
	conf *model.Configuration
}

func NewPDFCPUStamper() *PDFCPUStamper {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &PDFCPUStamper{conf: conf}
}

// Watermark overlays text diagonally, repeated down every page.
func (s *PDFCPUStamper) Watermark(src []byte, text string) ([]byte, error) {
	repeated := strings.TrimSuffix(strings.Repeat(text+"\n\n\n", 3), "\n\n\n")
	wm, err := api.TextWatermark(repeated, "font:Helvetica, points:36, rot:45, op:0.2, fillc:#B22222, scale:1 abs, align:c", true, false, types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("build watermark: %w", err)
	}
	var out bytes.Buffer
	if err := api.AddWatermarks(bytes.NewReader(src), &out, nil, wm, s.conf); err != nil {
		return nil, fmt.Errorf("apply watermark: %w", err)
	}
	return out.Bytes(), nil
}

// Seal stamps the verification text and the QR image on the last page.
func (s *PDFCPUStamper) Seal(src []byte, block Block) ([]byte, error) {
	lastPage := []string{"l"}
	text, err := api.TextWatermark(strings.Join(block.Lines(), "\n"), "font:Helvetica, points:8, pos:bl, off:36 36, rot:0, scale:1 abs, fillc:#000000, op:1, align:l", true, false, types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("build seal text: %w", err)
	}
	var withText bytes.Buffer
	if err := api.AddWatermarks(bytes.NewReader(src), &withText, lastPage, text, s.conf); err != nil {
		return nil, fmt.Errorf("apply seal text: %w", err)
	}
	if len(block.QR) == 0 {
		return withText.Bytes(), nil
	}
	qr, err := api.ImageWatermarkForReader(bytes.NewReader(block.QR), "pos:br, off:-36 36, scale:0.15, rot:0, op:1", true, false, types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("build seal qr: %w", err)
	}
	var out bytes.Buffer
	if err := api.AddWatermarks(bytes.NewReader(withText.Bytes()), &out, lastPage, qr, s.conf); err != nil {
		return nil, fmt.Errorf("apply seal qr: %w", err)
	}
	return out.Bytes(), nil
}
