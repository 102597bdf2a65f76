// Package health provides HTTP handlers for liveness and readiness checks.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/gateway/internal/buildinfo"
	"github.com/terrpan/gateway/internal/gateway"
)

// Response represents the health check response body.
type Response struct {
	Status       string    `json:"status"`
	ServiceName  string    `json:"service_name"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	Runtime      string    `json:"runtime"`
	Timestamp    time.Time `json:"timestamp"`
}

// Handler responds to liveness requests.  It reports build info and the
// container runtime in use.  The status is always "healthy" (200 OK)
// since the process answering is all liveness checks.
func Handler(rt string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(newResponse("healthy", rt))
	}
}

// ReadyHandler responds 200 once ready returns nil.  Before that the
// error is written with its gateway status code.
func ReadyHandler(rt string, ready func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := ready(); err != nil {
			gateway.WriteError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(newResponse("ready", rt))
	}
}

func newResponse(status, rt string) Response {
	return Response{
		Status:       status,
		ServiceName:  "gateway",
		Version:      buildinfo.Version,
		Commit:       buildinfo.Commit,
		BuildTime:    buildinfo.BuildTime,
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		Runtime:      rt,
		Timestamp:    time.Now().UTC(),
	}
}
