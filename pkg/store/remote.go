package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "docsync:document:"

type Redis struct {
	client *redis.Client
}

// OpenRedis accepts either a redis:// url or a bare host:port address.
func OpenRedis(ctx context.Context, dsn string) (*Redis, error) {
	opts := &redis.Options{Addr: dsn}
	if strings.Contains(dsn, "://") {
		parsed, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		opts = parsed
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("could not connect to redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Load(ctx context.Context, id string) ([]byte, error) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return raw, nil
}

func (r *Redis) Save(ctx context.Context, id string, snapshot []byte) error {
	if err := r.client.Set(ctx, redisKeyPrefix+id, snapshot, 0).Err(); err != nil {
		return fmt.Errorf("failed to set snapshot: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS documents (
		id text not null primary key,
		content bytea not null
		)`,
	); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create documents table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Load(ctx context.Context, id string) ([]byte, error) {
	var content []byte
	if err := p.pool.QueryRow(ctx, `SELECT content FROM documents WHERE id = $1`, id).Scan(&content); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	return content, nil
}

func (p *Postgres) Save(ctx context.Context, id string, snapshot []byte) error {
	if _, err := p.pool.Exec(ctx,
		`INSERT INTO documents (id, content) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET content = excluded.content`,
		id, snapshot,
	); err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
