package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"precept-serve/internal/storage"

	"github.com/rs/zerolog/log"
)

type activateRequest struct {
	Version string `json:"version"`
}

func (ms *ModelServer) handleListVersions(w http.ResponseWriter, r *http.Request) {
	if ms.cfg.Registry == nil {
		writeError(w, http.StatusNotFound, ErrorResponse{Error: "model registry not configured"})
		return
	}
	versions, err := ms.cfg.Registry.ListVersions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if versions == nil {
		versions = []storage.ModelVersion{}
	}
	writeJSON(w, http.StatusOK, versions)
}

func (ms *ModelServer) handleActivate(w http.ResponseWriter, r *http.Request) {
	if !ms.registryWrite(w, r) {
		return
	}

	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Version == "" {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "request must name a version"})
		return
	}

	ms.switchVersion(w, r, func() error { return ms.cfg.Registry.ActivateVersion(req.Version) })
}

func (ms *ModelServer) handleRollback(w http.ResponseWriter, r *http.Request) {
	if !ms.registryWrite(w, r) {
		return
	}
	ms.switchVersion(w, r, func() error {
		_, err := ms.cfg.Registry.Rollback()
		return err
	})
}

func (ms *ModelServer) registryWrite(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return false
	}
	if ms.cfg.Registry == nil {
		writeError(w, http.StatusNotFound, ErrorResponse{Error: "model registry not configured"})
		return false
	}
	return true
}

// switchVersion applies a registry change and reloads. If the new version
// fails to load the previous activation is restored.
func (ms *ModelServer) switchVersion(w http.ResponseWriter, r *http.Request, change func() error) {
	prev, prevErr := ms.cfg.Registry.ActiveVersion()

	if err := change(); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, storage.ErrVersionNotFound):
			status = http.StatusNotFound
		case errors.Is(err, storage.ErrNoRollback), errors.Is(err, storage.ErrNoActiveVersion):
			status = http.StatusConflict
		}
		writeError(w, status, ErrorResponse{Error: err.Error()})
		return
	}

	if err := ms.models.Reload(); err != nil {
		if prevErr == nil {
			if rerr := ms.cfg.Registry.ActivateVersion(prev.Version); rerr != nil {
				log.Error().Err(rerr).Str("version", prev.Version).Msg("failed to restore previous active version")
			}
		}
		writeError(w, statusFor(err), ErrorResponse{Error: fmt.Sprintf("load new version: %v", err)})
		return
	}

	ms.handleModelInfo(w, r)
}
