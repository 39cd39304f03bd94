package server

import (
	"encoding/json"
	"net/http"
)

// httpResponse writes a plain message envelope.
func httpResponse(w http.ResponseWriter, msg string, code int) {
	httpJSON(w, map[string]string{"message": msg}, code)
}

// httpJSON writes v as a JSON response.
func httpJSON(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a request body into v with a size cap.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 4<<20))
	return dec.Decode(v)
}
