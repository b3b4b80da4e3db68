package relay

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/carloslauriano/postoffice/blob"
	"github.com/carloslauriano/postoffice/logger"
	"github.com/carloslauriano/postoffice/metrics"
)

// Backoff calcula o intervalo entre tentativas
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay retorna a espera depois da tentativa n (a partir de 1)
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// WorkerOptions configura o Worker
type WorkerOptions struct {
	Interval    time.Duration
	MaxAttempts int
	BatchSize   int
	Backoff     Backoff
}

// Worker repete as entregas pendentes da fila
type Worker struct {
	queue   Queue
	relayer *Relayer
	opts    WorkerOptions
	now     func() time.Time

	stopCh  chan struct{}
	wakeCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewWorker cria o Worker
func NewWorker(queue Queue, relayer *Relayer, opts WorkerOptions) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Worker{
		queue:   queue,
		relayer: relayer,
		opts:    opts,
		now:     time.Now,
		wakeCh:  make(chan struct{}, 1),
	}
}

// Start inicia o laço do Worker. Chamar Start duas vezes não tem efeito.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})

	w.wg.Add(1)
	go w.run(ctx, w.stopCh)
	logger.Info("Worker de reenvio iniciado", "interval", w.opts.Interval, "max_attempts", w.opts.MaxAttempts)
}

// Stop encerra o laço e espera a passada em andamento
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	logger.Info("Worker de reenvio parado")
}

// Notify pede uma passada imediata sem esperar o próximo tick
func (w *Worker) Notify() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context, stop <-chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	w.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			w.pass(ctx)
		case <-w.wakeCh:
			w.pass(ctx)
		}
	}
}

func (w *Worker) pass(ctx context.Context) {
	if _, err := w.ProcessDue(ctx); err != nil {
		logger.Error("Falha ao processar fila de reenvio", "error", err)
	}
}

// ProcessDue faz uma tentativa para cada entrada vencida e retorna quantas
// foram processadas
func (w *Worker) ProcessDue(ctx context.Context) (int, error) {
	due, err := w.queue.Due(ctx, w.now(), w.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, e := range due {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		w.process(ctx, e)
	}

	if n, err := w.queue.Len(ctx); err == nil {
		metrics.RelayQueueDepth.Set(float64(n))
	}
	return len(due), nil
}

func (w *Worker) process(ctx context.Context, e *Entry) {
	log := logger.With("id", e.ID, "domain", e.Domain, "attempt", e.Attempts+1)

	raw, err := w.relayer.deps.Blobs.Get(ctx, e.Handle)
	if errors.Is(err, blob.ErrNotFound) {
		log.Error("Conteúdo da mensagem sumiu, descartando entrada", "handle", e.Handle)
		w.remove(ctx, e)
		return
	}
	if err != nil {
		log.Warn("Falha ao carregar mensagem, tentando depois", "error", err)
		return
	}

	err = w.relayer.Deliver(ctx, e.Domain, e.From, e.To, raw)
	if err == nil {
		metrics.RelayAttempts.WithLabelValues("success").Inc()
		log.Info("Reenvio concluído")
		w.remove(ctx, e)
		return
	}

	e.Attempts++
	e.Errors = append(e.Errors, err.Error())

	if IsPermanent(err) || e.Attempts >= w.opts.MaxAttempts {
		metrics.RelayAttempts.WithLabelValues("permanent").Inc()
		log.Warn("Reenvio abandonado", "attempts", e.Attempts, "error", err)
		w.relayer.bounce(ctx, e.From, e.To, raw, err)
		w.remove(ctx, e)
		return
	}

	metrics.RelayAttempts.WithLabelValues("deferred").Inc()
	e.NextAttempt = w.now().UTC().Add(w.opts.Backoff.Delay(e.Attempts))
	if err := w.queue.Update(ctx, e); err != nil {
		log.Error("Falha ao reagendar entrada", "error", err)
		return
	}
	log.Info("Reenvio adiado", "next_attempt", e.NextAttempt, "error", err)
}

func (w *Worker) remove(ctx context.Context, e *Entry) {
	if err := w.queue.Remove(ctx, e.ID); err != nil {
		logger.Error("Falha ao remover entrada da fila", "id", e.ID, "error", err)
	}
}
