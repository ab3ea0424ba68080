package handlers

import (
	"net/http"
	"sync"

	apperrors "github.com/3leaps/gofleet/internal/errors"
)

// VersionInfo is the body of GET /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

var (
	versionMu   sync.RWMutex
	versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// SetVersionInfo records the build metadata served by VersionHandler.
func SetVersionInfo(version, commit, buildDate string) {
	versionMu.Lock()
	defer versionMu.Unlock()
	versionInfo = VersionInfo{Version: version, Commit: commit, BuildDate: buildDate}
}

// VersionHandler serves GET /version.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apperrors.Respond(w, r, http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed,
			"method "+r.Method+" not allowed", nil)
		return
	}
	versionMu.RLock()
	info := versionInfo
	versionMu.RUnlock()
	apperrors.WriteJSON(w, http.StatusOK, info)
}
