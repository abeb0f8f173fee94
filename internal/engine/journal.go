package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"dripgate/internal/ledger"
)

// journal is the on-disk record of disbursements that were broadcast but
// could not be written to the ledger. Operators replay these entries by
// hand; the engine never re-sends for them.
type journal struct {
	dir string
	log zerolog.Logger
}

type journalEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	RequestID string        `json:"requestId"`
	Record    ledger.Record `json:"record"`
	Error     string        `json:"error"`
}

func (j *journal) write(requestID string, rec ledger.Record, appendErr error) {
	if j.dir == "" {
		return
	}

	entry := journalEntry{
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
		Record:    rec,
		Error:     appendErr.Error(),
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		j.log.Error().Err(err).Msg("journal marshal error")
		return
	}

	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		j.log.Error().Err(err).Msg("journal mkdir error")
		return
	}

	filename := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), requestID)
	if err := os.WriteFile(filepath.Join(j.dir, filename), data, 0o600); err != nil {
		j.log.Error().Err(err).Msg("journal write error")
	}
}

func (j *journal) depth() int {
	if j.dir == "" {
		return 0
	}
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return 0
	}
	return len(entries)
}
