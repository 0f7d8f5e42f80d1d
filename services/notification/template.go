package notification

import (
	"bytes"
	"html/template"

	"donation-reconciler/services/receipt"
)

var emailTemplate = template.Must(template.New("receipt-email").Parse(`<!DOCTYPE html>
<html lang="pt-BR">
<body>
<p>Olá{{with .Receipt.DonorName}}, {{.}}{{end}}!</p>
<p>Muito obrigado pela sua doação de <strong>R$ {{.Receipt.Amount.StringFixed 2}}</strong> ao {{.Organization.Name}}.</p>
<p>Seu recibo nº <strong>{{.Receipt.ReceiptNumber}}</strong> está disponível em:<br>
<a href="{{.DocumentURL}}">{{.DocumentURL}}</a></p>
<p>Você pode confirmar a autenticidade do recibo em <a href="{{.VerifyURL}}">{{.VerifyURL}}</a>.</p>
{{with .Organization.Email}}<p>Dúvidas? Escreva para {{.}}.</p>{{end}}
</body>
</html>
`))

type emailData struct {
	Receipt      *receipt.Receipt
	Organization receipt.Organization
	DocumentURL  string
	VerifyURL    string
}

func renderEmail(data emailData) (string, error) {
	var buf bytes.Buffer
	if err := emailTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func subject(r *receipt.Receipt) string {
	return "Seu recibo de doação " + r.ReceiptNumber
}
