package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/coachpo/tradegate/internal/domain/ledgerstore"
	"github.com/coachpo/tradegate/internal/observability"
)

const backupVersion = "1"

// AccountBackup wraps a ledger snapshot for export and restore.
type AccountBackup struct {
	Version     string               `json:"version"`
	GeneratedAt time.Time            `json:"generatedAt"`
	Environment string               `json:"environment"`
	Snapshot    ledgerstore.Snapshot `json:"snapshot"`
}

func buildBackupPayload(server *httpServer) (AccountBackup, error) {
	if server == nil || server.broker == nil {
		return AccountBackup{}, fmt.Errorf("brokerage unavailable")
	}
	return AccountBackup{
		Version:     backupVersion,
		GeneratedAt: time.Now().UTC(),
		Environment: string(server.environment),
		Snapshot:    server.broker.Snapshot(),
	}, nil
}

func validateBackup(payload AccountBackup) error {
	if payload.Version != backupVersion {
		return fmt.Errorf("unsupported backup version %q", payload.Version)
	}
	if payload.Snapshot.Version > ledgerstore.CurrentVersion {
		return fmt.Errorf("unsupported snapshot version %d", payload.Snapshot.Version)
	}
	for currency, balance := range payload.Snapshot.Balances {
		if balance < 0 {
			return fmt.Errorf("negative %s balance in snapshot", currency)
		}
	}
	return nil
}

func (s *httpServer) exportSnapshot(w http.ResponseWriter, _ *http.Request) {
	payload, err := buildBackupPayload(s)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *httpServer) restoreSnapshot(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload AccountBackup
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := validateBackup(payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.broker.Restore(payload.Snapshot); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.memory != nil {
		s.memory.Reset()
		s.memory.Rehydrate(payload.Snapshot.Trades)
	}
	s.broker.Checkpoint()
	observability.Log().Info("account restored from backup",
		observability.F("saved_at", payload.Snapshot.SavedAt),
		observability.F("positions", len(payload.Snapshot.Positions)))
	writeJSON(w, http.StatusOK, map[string]any{"status": "restored", "savedAt": payload.Snapshot.SavedAt})
}
