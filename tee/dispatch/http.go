package dispatch

import (
	"encoding/json"
	"net/http"

	"github.com/r3e-network/neo-service-layer-sub002/internal/core"
)

// HTTPHandler adapts the dispatcher to the host's single ingress endpoint.
// The envelope is the protocol: handler failures still answer 200 with a
// failure envelope, only a malformed envelope itself is a 400.
func HTTPHandler(d *Dispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, Response{
				Success:   false,
				Error:     "method not allowed",
				ErrorKind: core.KindValidation,
			})
			return
		}

		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, Response{
				Success:   false,
				Error:     "malformed request envelope: " + err.Error(),
				ErrorKind: core.KindValidation,
			})
			return
		}

		resp := d.Process(r.Context(), req)
		writeJSON(w, http.StatusOK, resp)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
