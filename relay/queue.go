package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/carloslauriano/postoffice/config"
	"github.com/redis/go-redis/v9"
)

// ErrEntryNotFound é retornado quando a entrada não está na fila
var ErrEntryNotFound = errors.New("entrada não encontrada na fila")

// Entry é uma entrega pendente para um domínio remoto
type Entry struct {
	ID          string    `json:"id"`
	Domain      string    `json:"domain"`
	From        string    `json:"from"`
	To          []string  `json:"to"`
	Handle      string    `json:"handle"`
	Attempts    int       `json:"attempts"`
	QueuedAt    time.Time `json:"queued_at"`
	NextAttempt time.Time `json:"next_attempt"`
	Errors      []string  `json:"errors"`
}

func (e *Entry) clone() *Entry {
	c := *e
	c.To = slices.Clone(e.To)
	c.Errors = slices.Clone(e.Errors)
	return &c
}

// Queue guarda as entregas que falharam de forma temporária
type Queue interface {
	Enqueue(ctx context.Context, e *Entry) error
	// Due retorna até limit entradas com NextAttempt <= now, as mais antigas primeiro
	Due(ctx context.Context, now time.Time, limit int) ([]*Entry, error)
	Update(ctx context.Context, e *Entry) error
	Remove(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
}

// NewQueue cria a fila configurada
func NewQueue(cfg config.QueueConfig) (Queue, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryQueue(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedisQueue(client, cfg.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("tipo de fila não suportado: %s", cfg.Type)
	}
}

// MemoryQueue é uma fila em memória; as entradas se perdem ao reiniciar
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemoryQueue cria uma fila em memória vazia
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[string]*Entry)}
}

// Enqueue adiciona uma entrada
func (q *MemoryQueue) Enqueue(_ context.Context, e *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[e.ID] = e.clone()
	return nil
}

// Due retorna as entradas vencidas
func (q *MemoryQueue) Due(_ context.Context, now time.Time, limit int) ([]*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*Entry
	for _, e := range q.entries {
		if !e.NextAttempt.After(now) {
			due = append(due, e.clone())
		}
	}
	slices.SortFunc(due, func(a, b *Entry) int { return a.NextAttempt.Compare(b.NextAttempt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Update substitui uma entrada existente
func (q *MemoryQueue) Update(_ context.Context, e *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[e.ID]; !ok {
		return ErrEntryNotFound
	}
	q.entries[e.ID] = e.clone()
	return nil
}

// Remove retira uma entrada; remover uma entrada ausente não é erro
func (q *MemoryQueue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, id)
	return nil
}

// Len retorna o número de entradas
func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}
