// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// statusByCode maps stable error codes to HTTP statuses. Codes absent here
// fall back to 500 without leaking internal details.
var statusByCode = map[string]int{
	shared.CodePeriodLocked:           http.StatusConflict,
	shared.CodeCostingMethodNotSet:    http.StatusUnprocessableEntity,
	shared.CodeCostingMethodImmutable: http.StatusConflict,
	shared.CodeOverrideInvalid:        http.StatusForbidden,
	shared.CodeOverrideExpired:        http.StatusForbidden,
	shared.CodeOverrideAlreadyUsed:    http.StatusForbidden,
	shared.CodeOverridePeriodMismatch: http.StatusForbidden,
	shared.CodeInsufficientStock:      http.StatusUnprocessableEntity,
	shared.CodeConcurrencyConflict:    http.StatusServiceUnavailable,
	shared.CodeValidation:             http.StatusBadRequest,
	shared.CodeNotFound:               http.StatusNotFound,
}

// RespondError maps domain errors to HTTP responses using RFC7807. Errors
// carrying a machine code keep it in the envelope so clients can branch
// without parsing messages.
func RespondError(w http.ResponseWriter, err error) {
	var de *shared.DomainError
	if errors.As(err, &de) {
		status, ok := statusByCode[de.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		ProblemCode(w, status, de.Code, http.StatusText(status), err.Error())
		return
	}
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
