package handlers

import (
	"net/http"
	"runtime"

	"github.com/deviceguard/server/internal/services"
)

// Version information injected at build time
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

type VersionResponse struct {
	Version            string `json:"version"`
	GitCommit          string `json:"gitCommit"`
	BuildTime          string `json:"buildTime"`
	GoVersion          string `json:"goVersion"`
	FingerprintVersion int    `json:"fingerprintVersion"`
}

// VersionHandler returns build information and the current fingerprint scheme
// @Summary Version
// @Tags health
// @Produce json
// @Success 200 {object} VersionResponse
// @Router /api/version [get]
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version:            Version,
		GitCommit:          GitCommit,
		BuildTime:          BuildTime,
		GoVersion:          runtime.Version(),
		FingerprintVersion: services.FingerprintVersion,
	})
}
