package session

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/falklabs/snapfuzz/internal/server"
	"github.com/falklabs/snapfuzz/internal/stats"
)

// RunServerSync drives the designated worker's periodic exchange with
// the fuzzing server: every SyncInterval, send whatever coverage and
// inputs have queued up plus a statistics snapshot, then drain the
// server's reply. It runs until ctx is cancelled or a network error
// makes the connection unusable (a sync failure is not recoverable
// mid-session); the caller decides whether that aborts the whole
// session or only this sync loop.
//
// A Session with no ServerAddr configured has nothing to connect to;
// RunServerSync returns nil immediately in that case so callers can
// launch it unconditionally alongside the worker pool.
func (s *Session) RunServerSync(ctx context.Context) error {
	if s.cfg.ServerAddr == "" {
		return nil
	}

	const designatedCPU = 0 // worker 0 is the only one that speaks to the server
	client, err := server.Dial(s.cfg.ServerAddr, s.id, designatedCPU)
	if err != nil {
		return fmt.Errorf("session %d: server sync: %w", s.id, err)
	}
	defer client.Close()

	ticker := time.NewTicker(stats.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := client.Sync(s.DB, s.Stats); err != nil {
				return fmt.Errorf("session %d: server sync: %w", s.id, err)
			}
			log.WithFields(log.Fields{
				"session_id": s.id,
				"coverage":   s.DB.Coverage.Len(),
				"corpus":     s.DB.Inputs.Len(),
			}).Debug("synced with fuzzing server")
		}
	}
}
