package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/cockroachdb/pebble"

	"dmsync/pkg/logger"
	"dmsync/pkg/models"
)

// RetentionConfig controls the background prune of idle cached rooms.
type RetentionConfig struct {
	Enabled bool
	// Cron is a standard cron expression; empty maps to daily at 03:00.
	Cron string
	// MaxAge drops a room's cache when its newest message is older.
	MaxAge time.Duration
}

// StartRetention launches the prune scheduler. Returns a cancel func; a
// disabled config yields a no-op cancel.
func (s *Store) StartRetention(ctx context.Context, cfg RetentionConfig) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("cache_retention_disabled")
		return func() {}, nil
	}
	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = "0 3 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid cache retention cron expression: %s", cfg.Cron)
	}
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("cache retention requires a positive max age")
	}

	ctx2, cancel := context.WithCancel(ctx)
	go s.runRetention(ctx2, cronExpr, cfg.MaxAge)
	logger.Info("cache_retention_started", "cron", cronExpr, "max_age", cfg.MaxAge.String())
	return cancel, nil
}

func (s *Store) runRetention(ctx context.Context, cronExpr string, maxAge time.Duration) {
	for {
		next, err := gronx.NextTickAfter(cronExpr, time.Now().UTC(), false)
		if err != nil {
			logger.Error("cache_retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			logger.Info("cache_retention_stopping")
			return
		}
		cutoff := time.Now().UTC().Add(-maxAge)
		n, err := s.PruneIdle(cutoff)
		if err != nil {
			logger.Error("cache_retention_run_failed", "error", err)
			continue
		}
		logger.Info("cache_retention_run", "pruned", n, "cutoff", cutoff.Format(time.RFC3339))
	}
}

// PruneIdle deletes cached message lists whose newest message predates
// cutoff. Returns the number of rooms pruned.
func (s *Store) PruneIdle(cutoff time.Time) (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	prefix := []byte("room:")
	var stale [][]byte
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if !bytes.HasSuffix(iter.Key(), []byte(":messages")) {
			continue
		}
		var msgs []models.Message
		if err := json.Unmarshal(iter.Value(), &msgs); err != nil {
			// unreadable entries are pruned outright
			stale = append(stale, append([]byte(nil), iter.Key()...))
			continue
		}
		var newest int64
		for _, m := range msgs {
			if m.CreatedAt > newest {
				newest = m.CreatedAt
			}
		}
		if newest < cutoff.UnixNano() {
			stale = append(stale, append([]byte(nil), iter.Key()...))
		}
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	for _, k := range stale {
		if err := s.db.Delete(k, pebble.Sync); err != nil {
			return 0, err
		}
		logger.Debug("cache_room_pruned", "key", string(k))
	}
	return len(stale), nil
}
