package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/wnt/oracle/internal/apperr"
)

// writeJSON writes body as the JSON response with the given status
// (spec §6: "All responses are JSON with Content-Type: application/json").
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// errorBody is the stable {error, ...} envelope every error response
// carries (spec §6, §7).
type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

// writeError renders err as the stable error envelope. Any error not
// already an *apperr.Error is treated as an opaque internal failure.
func writeError(w http.ResponseWriter, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = apperr.Fatal("internal error", err)
	}
	writeJSON(w, appErr.Status, errorBody{Error: appErr.Message, Kind: string(appErr.Kind), Reason: appErr.Reason})
}
