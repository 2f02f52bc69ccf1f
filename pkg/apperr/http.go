package apperr

import (
	"encoding/json"
	"net/http"
)

// WriteHTTP renders err as {"error": CODE, "message": ...} with the status
// its kind maps to. Internal causes are never written.
func WriteHTTP(w http.ResponseWriter, err error) {
	appErr := From(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(appErr))
	_ = json.NewEncoder(w).Encode(appErr)
}
