package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/livescore-pipeline/internal/ledger"
	"github.com/redis/go-redis/v9"
)

const (
	// entryTTL keeps stale counters from piling up once a day has passed
	entryTTL = 48 * time.Hour

	// maxUpdateAttempts bounds retries when another writer changes the counters mid-update
	maxUpdateAttempts = 50
)

// LedgerStore persists rate ledger entries as one hash per source
type LedgerStore struct {
	client *redis.Client
	prefix string
	loc    *time.Location
	logger *slog.Logger
}

// NewLedgerStore creates a ledger store. Day anchors are read back in loc.
func NewLedgerStore(client *redis.Client, prefix string, loc *time.Location, logger *slog.Logger) *LedgerStore {
	if loc == nil {
		loc = time.UTC
	}
	return &LedgerStore{
		client: client,
		prefix: prefix,
		loc:    loc,
		logger: logger,
	}
}

// entryKey returns the Redis key for a source's counter
func (s *LedgerStore) entryKey(source ledger.Source) string {
	return fmt.Sprintf("%s:ratelimit:%s", s.prefix, source)
}

// LoadEntries reads every known source in a single pipeline
func (s *LedgerStore) LoadEntries(ctx context.Context) (map[ledger.Source]ledger.Entry, error) {
	return s.load(ctx, s.client.Pipeline())
}

// Update applies fn under WATCH on every source key, so replicas sharing Redis never
// spend the same budget twice. A write that raced another replica is retried.
func (s *LedgerStore) Update(ctx context.Context, fn ledger.UpdateFunc) error {
	keys := make([]string, 0, len(ledger.Sources))
	for _, source := range ledger.Sources {
		keys = append(keys, s.entryKey(source))
	}

	txf := func(tx *redis.Tx) error {
		entries, err := s.load(ctx, tx.Pipeline())
		if err != nil {
			return err
		}
		entry, save := fn(entries)
		if !save {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.write(ctx, pipe, entry)
			return nil
		})
		return err
	}

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, keys...)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("updating ledger entries: %w", err)
		}
		s.logger.Debug("ledger update raced another writer, retrying", "attempt", attempt)
	}
	return fmt.Errorf("updating ledger entries after %d attempts: %w", maxUpdateAttempts, redis.TxFailedErr)
}

func (s *LedgerStore) load(ctx context.Context, pipe redis.Pipeliner) (map[ledger.Source]ledger.Entry, error) {
	cmds := make(map[ledger.Source]*redis.MapStringStringCmd, len(ledger.Sources))
	for _, source := range ledger.Sources {
		cmds[source] = pipe.HGetAll(ctx, s.entryKey(source))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("loading ledger entries: %w", err)
	}

	entries := make(map[ledger.Source]ledger.Entry, len(cmds))
	for source, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}

		calls, err := strconv.Atoi(fields["calls"])
		if err != nil {
			s.logger.Warn("discarding malformed ledger entry", "source", source, "calls", fields["calls"])
			continue
		}
		day, err := time.ParseInLocation(time.DateOnly, fields["day"], s.loc)
		if err != nil {
			s.logger.Warn("discarding malformed ledger entry", "source", source, "day", fields["day"])
			continue
		}

		entries[source] = ledger.Entry{
			Source:     source,
			CallsToday: calls,
			DayAnchor:  day,
		}
	}
	return entries, nil
}

// write queues a source's counter and a refreshed expiry on pipe
func (s *LedgerStore) write(ctx context.Context, pipe redis.Pipeliner, entry ledger.Entry) {
	key := s.entryKey(entry.Source)
	pipe.HSet(ctx, key,
		"calls", entry.CallsToday,
		"day", entry.DayAnchor.In(s.loc).Format(time.DateOnly),
	)
	pipe.Expire(ctx, key, entryTTL)
}
