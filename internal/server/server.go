// Package server implements the fuzzer's side of the server sync
// protocol: worker 0 logs in once, then on every sync interval sends
// whatever coverage and inputs have queued up locally plus the
// session's running statistics totals, and drains the server's reply until SyncComplete.
package server

import (
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/falklabs/snapfuzz/internal/coverage"
	"github.com/falklabs/snapfuzz/internal/stats"
	"github.com/falklabs/snapfuzz/internal/wire"
)

// Client is a connected sync session with the fuzzing server.
type Client struct {
	conn      net.Conn
	sessionID uint64
}

// Dial connects to addr and logs in as sessionID, identifying cpuID as
// the designated worker's CPU in the Login(session_id, cpu_id)
// handshake.
func Dial(addr string, sessionID, cpuID uint64) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("server: dial %s: %w", addr, err)
	}
	c := &Client{conn: conn, sessionID: sessionID}
	login := wire.LoginMsg{SessionID: sessionID, CpuID: cpuID}
	if err := wire.WriteMessage(conn, wire.Message{Tag: wire.TagLogin, Login: login}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("server: login: %w", err)
	}
	log.WithFields(log.Fields{"session_id": sessionID, "cpu_id": cpuID}).Info("logged in to fuzzing server")
	return c, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Sync drains db's pending coverage and inputs, reports the session
// aggregator's current running totals plus the host allocator's
// counters, and exchanges all three with the server in one batched
// round trip, merging back whatever the server sends in return.
func (c *Client) Sync(db *coverage.DB, agg *stats.Aggregator) error {
	cov, inputs := db.DrainPending()

	if len(inputs) > 0 {
		if err := wire.WriteMessage(c.conn, wire.Message{Tag: wire.TagInputs, Inputs: wire.InputsMsg{Inputs: inputs}}); err != nil {
			return fmt.Errorf("server: send inputs: %w", err)
		}
	}
	if len(cov) > 0 {
		if err := wire.WriteMessage(c.conn, wire.Message{Tag: wire.TagCoverage, Coverage: wire.CoverageMsg{Points: cov}}); err != nil {
			return fmt.Errorf("server: send coverage: %w", err)
		}
	}
	statsMsg := wire.ReportStatisticsMsg{Counters: agg.Snapshot(), Alloc: stats.ReadAllocCounters()}
	if err := wire.WriteMessage(c.conn, wire.Message{Tag: wire.TagReportStatistics, Stats: statsMsg}); err != nil {
		return fmt.Errorf("server: send statistics: %w", err)
	}

	for {
		msg, err := wire.ReadMessage(c.conn)
		if err != nil {
			return fmt.Errorf("server: reading sync reply: %w", err)
		}
		switch msg.Tag {
		case wire.TagSyncComplete:
			return nil
		case wire.TagCoverage:
			for _, k := range msg.Coverage.Points {
				db.MergeCoverage(k)
			}
		case wire.TagInputs:
			for _, in := range msg.Inputs.Inputs {
				if _, _, err := db.ReportInput(in); err != nil && err != coverage.ErrCorpusFull {
					return fmt.Errorf("server: storing synced input: %w", err)
				}
			}
		default:
			return fmt.Errorf("server: unexpected message tag %d during sync", msg.Tag)
		}
	}
}
