package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/video-stream/subsync/internal/apperr"
)

func jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	jsonResponse(w, map[string]string{"error": msg}, status)
}

// statusFor maps an error kind to the HTTP status returned to clients.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindDuplicate:
		return http.StatusConflict
	case apperr.KindNotResumable:
		return http.StatusConflict
	case apperr.KindNoCompatibleStream, apperr.KindUnsupportedFormat:
		return http.StatusUnprocessableEntity
	case apperr.KindDiskSpace:
		return http.StatusInsufficientStorage
	case apperr.KindNetwork:
		return http.StatusBadGateway
	case apperr.KindCancelled:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// appError writes err as {"error", "kind"} with the status for its kind.
func appError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		log.Printf("[api] internal error: %v", err)
	}
	jsonResponse(w, map[string]string{"error": err.Error(), "kind": string(kind)}, status)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errors.New("request body too large")
		}
		return errors.New("invalid request body")
	}
	return nil
}
