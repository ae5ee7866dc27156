package dataplane

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/caravelhq/caravel/internal/domain"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// httpStatus maps domain error codes onto HTTP statuses.
func httpStatus(code domain.Code) int {
	switch code {
	case domain.CodeInvalidParam, domain.CodeMissingIdempotency:
		return http.StatusBadRequest
	case domain.CodeInvalidTransition, domain.CodeDuplicate:
		return http.StatusConflict
	case domain.CodeAgreementInactive:
		return http.StatusUnprocessableEntity
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case domain.CodeSourceError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	msg := err.Error()
	var de *domain.Error
	if errors.As(err, &de) {
		msg = de.Message
	}
	writeJSON(w, httpStatus(code), errorBody{Error: string(code), Message: msg})
}

func writeValidationError(w http.ResponseWriter, err error) {
	msg := "invalid request"
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		msg = "invalid field " + ve[0].Field()
	}
	writeJSON(w, http.StatusBadRequest, errorBody{Error: string(domain.CodeInvalidParam), Message: msg})
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}
