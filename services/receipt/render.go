package receipt

import (
	"bytes"
	"context"
	"html/template"
	"time"
)

const ContentTypeHTML = "text/html; charset=utf-8"

// Renderer turns a receipt into a document. Implementations may call out to an
// external service and must honour ctx.
type Renderer interface {
	Render(ctx context.Context, doc *Document) (body []byte, contentType string, err error)
}

// DocumentStore caches rendered documents, keyed by receipt number.
type DocumentStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key, contentType string, body []byte) error
}

var documentTemplate = template.Must(template.New("receipt").Funcs(template.FuncMap{
	"date": func(t time.Time) string { return t.Format("02/01/2006") },
}).Parse(`<!DOCTYPE html>
<html lang="pt-BR">
<head><meta charset="utf-8"><title>Recibo {{.Receipt.ReceiptNumber}}</title></head>
<body>
<h1>Recibo de Doação</h1>
<p><strong>{{.Organization.Name}}</strong>{{with .Organization.Document}} - CNPJ {{.}}{{end}}</p>
{{with .Organization.Address}}<p>{{.}}</p>{{end}}
<p>Recibo nº <strong>{{.Receipt.ReceiptNumber}}</strong></p>
<p>Recebemos de <strong>{{.Receipt.DonorName}}</strong>{{with .Receipt.DonorDocument}} ({{.}}){{end}}
a quantia de <strong>R$ {{.Receipt.Amount.StringFixed 2}}</strong> ({{.Receipt.AmountInWords}}),
referente a doação realizada em {{date .DonatedAt}}{{with .Receipt.PaymentMethod}} via {{.}}{{end}}.</p>
<p>Transação: {{.Receipt.TransactionID}}</p>
<p>Emitido em {{date .IssuedAt}}.</p>
<p>Verifique a autenticidade em <a href="{{.VerifyURL}}">{{.VerifyURL}}</a></p>
</body>
</html>
`))

// HTMLRenderer renders the printable receipt page.
type HTMLRenderer struct{}

func (HTMLRenderer) Render(ctx context.Context, doc *Document) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, doc); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), ContentTypeHTML, nil
}
