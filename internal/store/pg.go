package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore keeps the history in Postgres, one row per (recipient, center).
type PgStore struct {
	pool            *pgxpool.Pool
	tableRecipients string
	tableHistory    string
}

// OpenPostgres connects and creates the tables if needed. prefix namespaces
// the table names.
func OpenPostgres(ctx context.Context, url, prefix string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := newPgStore(pool, prefix)
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newPgStore(pool *pgxpool.Pool, prefix string) *PgStore {
	return &PgStore{
		pool:            pool,
		tableRecipients: prefix + "notification_recipients",
		tableHistory:    prefix + "notification_history",
	}
}

func (s *PgStore) schema() []string {
	return []string{
		fmt.Sprintf(`create table if not exists %s (
            recipient text primary key,
            registered boolean not null default false,
            updated_at timestamptz not null default now()
        )`, s.tableRecipients),
		fmt.Sprintf(`create table if not exists %s (
            recipient text not null references %s(recipient) on delete cascade,
            center text not null,
            notified_at double precision not null,
            primary key (recipient, center)
        )`, s.tableHistory, s.tableRecipients),
	}
}

func (s *PgStore) init(ctx context.Context) error {
	for _, q := range s.schema() {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("init history schema: %w", err)
		}
	}
	return nil
}

func (s *PgStore) Close() error { s.pool.Close(); return nil }

// Load reads both tables into a History.
func (s *PgStore) Load(ctx context.Context) (*History, error) {
	records := make(map[string]*RecipientHistory)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`select recipient, registered from %s`, s.tableRecipients))
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	for rows.Next() {
		var (
			recipient  string
			registered bool
		)
		if err := rows.Scan(&recipient, &registered); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		records[recipient] = &RecipientHistory{Registered: registered, Centers: map[string]float64{}}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}

	rows, err = s.pool.Query(ctx, fmt.Sprintf(`select recipient, center, notified_at from %s`, s.tableHistory))
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			recipient, center string
			ts                float64
		)
		if err := rows.Scan(&recipient, &center, &ts); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		rec, ok := records[recipient]
		if !ok {
			rec = &RecipientHistory{Centers: map[string]float64{}}
			records[recipient] = rec
		}
		rec.Centers[center] = ts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	h := NewHistory()
	for r, rec := range records {
		h.Put(r, *rec)
	}
	return h, nil
}

// Save upserts every pair and removes rows no longer present, in one
// transaction. notified_at only ever moves forward.
func (s *PgStore) Save(ctx context.Context, h *History) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var batch pgx.Batch
	keepRecipients := []string{}
	keepPairRecipients := []string{}
	keepPairCenters := []string{}
	for _, r := range h.Recipients() {
		rec, _ := h.Record(r)
		keepRecipients = append(keepRecipients, r)
		batch.Queue(fmt.Sprintf(`insert into %s (recipient, registered, updated_at) values ($1, $2, now())
            on conflict (recipient) do update set registered = excluded.registered, updated_at = excluded.updated_at`, s.tableRecipients),
			r, rec.Registered)
		for center, ts := range rec.Centers {
			keepPairRecipients = append(keepPairRecipients, r)
			keepPairCenters = append(keepPairCenters, center)
			batch.Queue(fmt.Sprintf(`insert into %[1]s (recipient, center, notified_at) values ($1, $2, $3)
                on conflict (recipient, center) do update set notified_at = greatest(%[1]s.notified_at, excluded.notified_at)`, s.tableHistory),
				r, center, ts)
		}
	}
	batch.Queue(fmt.Sprintf(`delete from %s h where not exists (
            select 1 from unnest($1::text[], $2::text[]) as keep(recipient, center)
            where keep.recipient = h.recipient and keep.center = h.center)`, s.tableHistory),
		keepPairRecipients, keepPairCenters)
	batch.Queue(fmt.Sprintf(`delete from %s where not (recipient = any($1::text[]))`, s.tableRecipients), keepRecipients)

	if err := tx.SendBatch(ctx, &batch).Close(); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit history: %w", err)
	}
	return nil
}
