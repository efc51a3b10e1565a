package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/keel/internal/httpserver/deps"
)

// Faults lists open fault records.
func Faults(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Core.Faults())
	}
}

// FaultHistory lists cleared and terminal faults.
func FaultHistory(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Core.FaultHistory())
	}
}

// ResetFault forgets the fault of an instance so recovery may run again.
func ResetFault(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		iid, err := instanceID(r)
		if err != nil {
			writeError(d, w, r, err)
			return
		}
		if !d.Core.ResetFault(iid) {
			writeJSON(w, http.StatusConflict, errorResponse{
				Error: "no fault to reset, or recovery in progress",
				Kind:  "not_resettable",
			})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
