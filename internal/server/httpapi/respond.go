package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dmitrijs2005/driveback/internal/common"
)

type envelope struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

type errorData struct {
	Message string `json:"message"`
	Name    string `json:"name,omitempty"`
	Code    int    `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Status: "success", Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	code, name := classify(err)
	writeJSON(w, code, envelope{
		Status: "error",
		Data:   errorData{Message: err.Error(), Name: name, Code: code},
	})
}

// classify maps the sentinel taxonomy onto HTTP status codes and short error
// names the clients can switch on.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, common.ErrorUnauthorized), errors.Is(err, common.ErrInvalidToken):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, common.ErrorAccessDenied):
		return http.StatusForbidden, "AccessDenied"
	case errors.Is(err, common.ErrorValidation):
		return http.StatusBadRequest, "ValidationError"
	case errors.Is(err, common.ErrorNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, common.ErrQuotaExceeded):
		return http.StatusConflict, "QuotaExceeded"
	case errors.Is(err, common.ErrFileCapExceeded):
		return http.StatusConflict, "FileCapExceeded"
	case errors.Is(err, common.ErrDuplicateCheckpoint):
		return http.StatusConflict, "DuplicateCheckpoint"
	case errors.Is(err, common.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "UpstreamUnavailable"
	default:
		return http.StatusInternalServerError, "InternalError"
	}
}
