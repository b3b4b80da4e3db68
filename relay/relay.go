// Package relay entrega mensagens a destinatários de outros domínios.
//
// Para cada domínio o Relayer resolve os registros MX, procura o primeiro
// servidor e porta alcançáveis e envia a mensagem pelo Transport. Falhas
// temporárias vão para a Queue e são repetidas pelo Worker; falhas
// permanentes geram uma notificação de retorno ao remetente.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/carloslauriano/postoffice/blob"
	"github.com/carloslauriano/postoffice/logger"
	"github.com/carloslauriano/postoffice/mailstore"
	"github.com/carloslauriano/postoffice/metrics"
	"github.com/carloslauriano/postoffice/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Options configura o Relayer
type Options struct {
	Host        string
	Ports       []int
	SendTimeout time.Duration
	Concurrency int
	Backoff     Backoff
}

// Deps são os colaboradores do Relayer
type Deps struct {
	Resolver  MXResolver
	Prober    Prober
	Transport Transport
	Blobs     blob.Store
	Queue     Queue
	Bouncer   Bouncer
}

// Relayer entrega mensagens para domínios remotos
type Relayer struct {
	opts Options
	deps Deps
	now  func() time.Time
}

// New cria um Relayer
func New(opts Options, deps Deps) *Relayer {
	if len(opts.Ports) == 0 {
		opts.Ports = []int{587, 465, 25}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 2 * time.Minute
	}
	return &Relayer{opts: opts, deps: deps, now: time.Now}
}

type domainGroup struct {
	domain string
	rcpts  []string
}

// groupByDomain agrupa os destinatários remotos por domínio, na ordem em
// que aparecem
func (r *Relayer) groupByDomain(rcpts []string) []domainGroup {
	var groups []domainGroup
	index := make(map[string]int)
	for _, rcpt := range rcpts {
		_, domain := mailstore.SplitAddress(rcpt)
		domain = strings.ToLower(domain)
		if domain == "" || domain == strings.ToLower(r.opts.Host) {
			continue
		}
		i, ok := index[domain]
		if !ok {
			i = len(groups)
			index[domain] = i
			groups = append(groups, domainGroup{domain: domain})
		}
		groups[i].rcpts = append(groups[i].rcpts, rcpt)
	}
	return groups
}

// Relay entrega a mensagem a todos os destinatários remotos do envelope.
// Os domínios são atendidos em paralelo e o retorno só acontece quando
// todos terminam. Falhas são registradas e nunca propagadas: a entrega
// local já foi confirmada.
func (r *Relayer) Relay(ctx context.Context, env storage.Envelope, handle string) {
	groups := r.groupByDomain(env.To)
	if len(groups) == 0 {
		return
	}

	raw, err := r.deps.Blobs.Get(ctx, handle)
	if err != nil {
		logger.Error("Falha ao carregar mensagem para reenvio", "handle", handle, "error", err)
		return
	}

	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for _, grp := range groups {
		g.Go(func() error {
			r.relayDomain(ctx, grp, env.From, handle, raw)
			return nil
		})
	}
	g.Wait()
}

func (r *Relayer) relayDomain(ctx context.Context, grp domainGroup, from, handle string, raw []byte) {
	log := logger.With("domain", grp.domain, "from", from, "recipients", len(grp.rcpts))

	err := r.Deliver(ctx, grp.domain, from, grp.rcpts, raw)
	if err == nil {
		metrics.RelayAttempts.WithLabelValues("success").Inc()
		log.Info("Mensagem reenviada")
		return
	}

	if IsPermanent(err) {
		metrics.RelayAttempts.WithLabelValues("permanent").Inc()
		log.Warn("Falha permanente no reenvio", "error", err)
		r.bounce(ctx, from, grp.rcpts, raw, err)
		return
	}

	metrics.RelayAttempts.WithLabelValues("deferred").Inc()
	if r.deps.Queue == nil {
		log.Warn("Falha temporária no reenvio, sem fila configurada", "error", err)
		return
	}

	now := r.now().UTC()
	entry := &Entry{
		ID:          uuid.NewString(),
		Domain:      grp.domain,
		From:        from,
		To:          grp.rcpts,
		Handle:      handle,
		Attempts:    1,
		QueuedAt:    now,
		NextAttempt: now.Add(r.opts.Backoff.Delay(1)),
		Errors:      []string{err.Error()},
	}
	if qerr := r.deps.Queue.Enqueue(ctx, entry); qerr != nil {
		log.Error("Falha ao enfileirar reenvio", "error", qerr, "cause", err)
		return
	}
	metrics.RelayQueueDepth.Inc()
	log.Info("Reenvio adiado", "id", entry.ID, "next_attempt", entry.NextAttempt, "error", err)
}

// Deliver faz uma tentativa de entrega para um domínio
func (r *Relayer) Deliver(ctx context.Context, domain, from string, to []string, raw []byte) error {
	exchanges, err := LookupMX(ctx, r.deps.Resolver, domain)
	if err != nil {
		var dnsErr *net.DNSError
		permanent := errors.As(err, &dnsErr) && dnsErr.IsNotFound
		return &RelayError{Err: fmt.Errorf("falha ao resolver MX de %s: %w", domain, err), Permanent: permanent}
	}
	if len(exchanges) == 0 {
		return &RelayError{Err: fmt.Errorf("%s não aceita mensagens", domain), Permanent: true}
	}

	route, err := FindRoute(ctx, r.deps.Prober, exchanges, r.opts.Ports)
	if err != nil {
		return &RelayError{Err: fmt.Errorf("%s: %w", domain, err)}
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.opts.SendTimeout)
	defer cancel()
	if err := r.deps.Transport.Send(sendCtx, route, from, to, raw); err != nil {
		return err
	}
	return nil
}

func (r *Relayer) bounce(ctx context.Context, from string, rcpts []string, raw []byte, cause error) {
	if r.deps.Bouncer == nil || from == "" {
		return
	}
	if err := r.deps.Bouncer.Bounce(ctx, from, rcpts, raw, cause.Error()); err != nil {
		logger.Error("Falha ao gerar notificação de retorno", "from", from, "error", err)
	}
}
