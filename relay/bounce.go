package relay

import (
	"context"
	"fmt"

	"github.com/carloslauriano/postoffice/blob"
	"github.com/carloslauriano/postoffice/logger"
	"github.com/carloslauriano/postoffice/mailparse"
	"github.com/carloslauriano/postoffice/mailstore"
	"github.com/carloslauriano/postoffice/storage"
)

// TagBounce marca as notificações de retorno
const TagBounce = "bounce"

// Bouncer avisa o remetente de que a entrega falhou de vez
type Bouncer interface {
	Bounce(ctx context.Context, from string, rcpts []string, raw []byte, reason string) error
}

// LocalBouncer entrega a notificação na Inbox do remetente local.
// Remetentes de outros domínios são ignorados.
type LocalBouncer struct {
	Repo  *mailstore.Repository
	Blobs blob.Store
}

// Bounce compõe a notificação e a grava na Inbox do remetente
func (b *LocalBouncer) Bounce(ctx context.Context, from string, rcpts []string, raw []byte, reason string) error {
	if !b.Repo.IsLocal(from) {
		logger.Debug("Retorno descartado para remetente externo", "from", from)
		return nil
	}

	notice, err := mailparse.Bounce{
		Host:       b.Repo.Host(),
		Sender:     from,
		Recipients: rcpts,
		Reason:     reason,
		Original:   raw,
		Date:       b.Repo.Now(),
	}.Compose()
	if err != nil {
		return err
	}

	handle, err := b.Blobs.Put(ctx, notice)
	if err != nil {
		return fmt.Errorf("falha ao gravar notificação: %w", err)
	}

	mailboxes, err := b.Repo.ResolveMailboxesForEnvelope(ctx, storage.Envelope{To: []string{from}})
	if err != nil {
		return fmt.Errorf("falha ao localizar Inbox de %s: %w", from, err)
	}

	email, err := b.Repo.CreateEmail(ctx, mailstore.NewEmail{
		Envelope:  storage.Envelope{From: "", To: []string{from}},
		MessageID: mailparse.MessageID(notice, b.Repo.Host()),
		RawHandle: handle,
		Size:      int64(len(notice)),
		Mailboxes: mailboxes,
		Metadata:  storage.Metadata{RemoteIP: "127.0.0.1", RemoteHost: b.Repo.Host()},
		Tags:      []string{TagBounce},
	})
	if err != nil {
		return err
	}

	logger.Info("Notificação de retorno entregue", "to", from, "uid", email.UID)
	return nil
}
