// Package mailparse extrai o identificador das mensagens recebidas e
// compõe as notificações de falha de entrega.
package mailparse

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// MessageID retorna o Message-Id do cabeçalho, sem colchetes angulares.
// Quando ausente ou ilegível, gera um identificador "<uuid>@host".
func MessageID(raw []byte, host string) string {
	if id := parseMessageID(raw); id != "" {
		return id
	}
	return GenerateMessageID(host)
}

// GenerateMessageID gera um identificador novo no domínio host
func GenerateMessageID(host string) string {
	return uuid.NewString() + "@" + host
}

func parseMessageID(raw []byte) string {
	entity, err := message.Read(bytes.NewReader(raw))
	if entity == nil {
		return ""
	}
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return ""
	}
	header := mail.Header{Header: entity.Header}
	id, err := header.MessageID()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(id)
}

// HeaderBlock retorna o bloco de cabeçalhos da mensagem, sem a linha em branco
func HeaderBlock(raw []byte) []byte {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+2]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i+1]
	}
	return raw
}

// Bounce descreve uma entrega que falhou de forma definitiva
type Bounce struct {
	Host       string
	Sender     string
	Recipients []string
	Reason     string
	Original   []byte
	Date       time.Time
}

// Compose monta a notificação de falha para o remetente original
func (b Bounce) Compose() ([]byte, error) {
	var h mail.Header
	h.SetDate(b.Date)
	h.SetSubject("Undelivered Mail Returned to Sender")
	h.SetAddressList("From", []*mail.Address{{Name: "Mail Delivery System", Address: "MAILER-DAEMON@" + b.Host}})
	h.SetAddressList("To", []*mail.Address{{Address: b.Sender}})
	h.SetMessageID(GenerateMessageID(b.Host))
	h.Set("Auto-Submitted", "auto-replied")
	if id := parseMessageID(b.Original); id != "" {
		h.SetMsgIDList("In-Reply-To", []string{id})
		h.SetMsgIDList("References", []string{id})
	}
	h.SetContentType("multipart/report", map[string]string{"report-type": "delivery-status"})

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("falha ao criar mensagem de retorno: %w", err)
	}

	var textHeader message.Header
	textHeader.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	text, err := w.CreatePart(textHeader)
	if err != nil {
		return nil, fmt.Errorf("falha ao criar parte de texto: %w", err)
	}
	fmt.Fprintf(text, "This is the mail system at host %s.\r\n\r\n", b.Host)
	fmt.Fprintf(text, "Your message could not be delivered to the following recipients:\r\n\r\n")
	for _, rcpt := range b.Recipients {
		fmt.Fprintf(text, "  <%s>\r\n", rcpt)
	}
	if b.Reason != "" {
		fmt.Fprintf(text, "\r\nReason: %s\r\n", b.Reason)
	}
	if err := text.Close(); err != nil {
		return nil, err
	}

	if len(b.Original) > 0 {
		var origHeader message.Header
		origHeader.SetContentType("text/rfc822-headers", nil)
		part, err := w.CreatePart(origHeader)
		if err != nil {
			return nil, fmt.Errorf("falha ao anexar cabeçalhos originais: %w", err)
		}
		if _, err := part.Write(HeaderBlock(b.Original)); err != nil {
			return nil, err
		}
		if err := part.Close(); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("falha ao finalizar mensagem de retorno: %w", err)
	}
	return buf.Bytes(), nil
}
