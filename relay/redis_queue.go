package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue guarda a fila no Redis: um sorted set ordenado pelo horário da
// próxima tentativa e um hash com as entradas em JSON
type RedisQueue struct {
	client   redis.UniversalClient
	schedule string
	entries  string
}

// NewRedisQueue cria a fila usando as chaves prefix:schedule e prefix:entries
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "postoffice:relay"
	}
	return &RedisQueue{
		client:   client,
		schedule: prefix + ":schedule",
		entries:  prefix + ":entries",
	}
}

func (q *RedisQueue) save(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("falha ao codificar entrada: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.entries, e.ID, data)
		pipe.ZAdd(ctx, q.schedule, redis.Z{Score: float64(e.NextAttempt.UnixMilli()), Member: e.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("falha ao gravar entrada %s: %w", e.ID, err)
	}
	return nil
}

// Enqueue adiciona uma entrada
func (q *RedisQueue) Enqueue(ctx context.Context, e *Entry) error {
	return q.save(ctx, e)
}

// Due retorna as entradas vencidas
func (q *RedisQueue) Due(ctx context.Context, now time.Time, limit int) ([]*Entry, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.schedule, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("falha ao consultar fila: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := q.client.HMGet(ctx, q.entries, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("falha ao ler entradas: %w", err)
	}

	due := make([]*Entry, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// agendamento sem entrada: descarta
			q.client.ZRem(ctx, q.schedule, ids[i])
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("falha ao decodificar entrada %s: %w", ids[i], err)
		}
		due = append(due, &e)
	}
	return due, nil
}

// Update substitui uma entrada existente
func (q *RedisQueue) Update(ctx context.Context, e *Entry) error {
	exists, err := q.client.HExists(ctx, q.entries, e.ID).Result()
	if err != nil {
		return fmt.Errorf("falha ao consultar entrada: %w", err)
	}
	if !exists {
		return ErrEntryNotFound
	}
	return q.save(ctx, e)
}

// Remove retira uma entrada
func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.schedule, id)
		pipe.HDel(ctx, q.entries, id)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("falha ao remover entrada %s: %w", id, err)
	}
	return nil
}

// Len retorna o número de entradas
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.schedule).Result()
	if err != nil {
		return 0, fmt.Errorf("falha ao contar fila: %w", err)
	}
	return int(n), nil
}

// Ping verifica a conexão com o Redis
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
