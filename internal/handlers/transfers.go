package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/maneesh/hookdrive/internal/transfer"
)

// CancelHandler handles DELETE /transfers/{file_id}
func CancelHandler(svc *transfer.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Cancel(mux.Vars(r)["file_id"]); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}
