package notify

import (
	"context"
	"net/smtp"
	"strings"
	"testing"
	"time"
)

func TestPlainTextKeepsLinks(t *testing.T) {
	got := PlainText(`<p>Hola <b>Ana</b>,</p><p><a href="https://x.test/s/abc">Firmar</a></p><script>x()</script>`)
	if !strings.Contains(got, "Hola Ana,") {
		t.Fatalf("expected greeting, got %q", got)
	}
	if !strings.Contains(got, "Firmar (https://x.test/s/abc)") {
		t.Fatalf("expected link target, got %q", got)
	}
	if strings.Contains(got, "x()") {
		t.Fatalf("script leaked: %q", got)
	}
}

func TestRenderEscapes(t *testing.T) {
	msg, err := Render("rejected", "owner@example.com", Data{
		RecipientName:  "Owner",
		Title:          "<b>Contrato</b>",
		ContractNumber: "CTR-2026-000001",
		Reason:         "falta anexo",
		Actor:          "Ana",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if msg.Subject != "Documento rechazado: CTR-2026-000001" {
		t.Fatalf("subject: %q", msg.Subject)
	}
	if strings.Contains(msg.HTML, "<b>Contrato</b>") {
		t.Fatalf("title not escaped: %s", msg.HTML)
	}
	if !strings.Contains(msg.HTML, "falta anexo") {
		t.Fatalf("reason missing: %s", msg.HTML)
	}
	if _, err := Render("nope", "a@b.c", Data{}); err == nil {
		t.Fatalf("expected unknown template error")
	}
}

func TestSMTPSenderBuildsMultipart(t *testing.T) {
	s, err := NewSMTPSender(SMTPConfig{Host: "mail.test", Port: 2525, From: "Signflow <no-reply@signflow.test>"})
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	var gotAddr string
	var gotTo []string
	var gotBody []byte
	s.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotBody = addr, to, msg
		if from != "no-reply@signflow.test" {
			t.Fatalf("from: %q", from)
		}
		return nil
	}
	err = s.Send(context.Background(), Message{To: "ana@example.com", Subject: "Firma pendiente", HTML: "<p>Hola</p>"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotAddr != "mail.test:2525" || len(gotTo) != 1 || gotTo[0] != "ana@example.com" {
		t.Fatalf("envelope: %s %v", gotAddr, gotTo)
	}
	body := string(gotBody)
	for _, want := range []string{"multipart/alternative", "text/plain; charset=utf-8", "text/html; charset=utf-8", "Subject: Firma pendiente"} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in message:\n%s", want, body)
		}
	}
}

func TestSMTPSenderRejectsBadRecipient(t *testing.T) {
	s, err := NewSMTPSender(SMTPConfig{Host: "mail.test", From: "no-reply@signflow.test"})
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	s.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatalf("send should not be called")
		return nil
	}
	if err := s.Send(context.Background(), Message{To: "not-an-email", Subject: "x"}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestNewAMQPSenderRequiresURL(t *testing.T) {
	if _, err := NewAMQPSender(" ", ""); err == nil {
		t.Fatalf("expected missing url error")
	}
}
