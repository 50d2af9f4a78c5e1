package notify

import (
	"bytes"
	"fmt"
	"html/template"
)

// Data fills the workflow email templates. Fields not used by a template
// are ignored.
type Data struct {
	RecipientName  string
	Title          string
	ContractNumber string
	OwnerName      string
	Link           string
	Reason         string
	Actor          string
}

var templates = template.Must(template.New("mail").Parse(`
{{define "visador"}}<p>Hola {{.RecipientName}},</p>
<p>{{.OwnerName}} solicita tu visado del documento <strong>{{.Title}}</strong> ({{.ContractNumber}}).</p>
<p><a href="{{.Link}}">Revisar documento</a></p>{{end}}
{{define "signer"}}<p>Hola {{.RecipientName}},</p>
<p>El documento <strong>{{.Title}}</strong> ({{.ContractNumber}}) espera tu firma.</p>
<p><a href="{{.Link}}">Firmar documento</a></p>{{end}}
{{define "completed"}}<p>Hola {{.RecipientName}},</p>
<p>El documento <strong>{{.Title}}</strong> ({{.ContractNumber}}) fue firmado por todas las partes.</p>
<p><a href="{{.Link}}">Verificar documento</a></p>{{end}}
{{define "rejected"}}<p>Hola {{.RecipientName}},</p>
<p>El documento <strong>{{.Title}}</strong> ({{.ContractNumber}}) fue rechazado por {{.Actor}}.</p>
<p>Motivo: {{.Reason}}</p>{{end}}
`))

var subjects = map[string]string{
	"visador":   "Visado pendiente: %s",
	"signer":    "Firma pendiente: %s",
	"completed": "Documento firmado: %s",
	"rejected":  "Documento rechazado: %s",
}

// Render builds a message from a named template.
func Render(name, to string, data Data) (Message, error) {
	subject, ok := subjects[name]
	if !ok {
		return Message{}, fmt.Errorf("unknown template %q", name)
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return Message{}, fmt.Errorf("render %s: %w", name, err)
	}
	return Message{
		To:      to,
		Subject: fmt.Sprintf(subject, data.ContractNumber),
		HTML:    buf.String(),
	}, nil
}
