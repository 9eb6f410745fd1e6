package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"erp-core/internal/core"
)

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a coded business error to its HTTP status class. Uncoded
// errors are infrastructure failures and surface as 500 with a generic body.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var coded *core.Error
	if !errors.As(err, &coded) {
		logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Code: "INTERNAL", Message: "internal server error",
		})
		return
	}

	writeJSON(w, statusForCode(coded.Code), errorBody{
		Code:    string(coded.Code),
		Message: coded.Message,
		Details: coded.Details,
	})
}

const errCodeInvalidBody core.ErrorCode = "INVALID_BODY"

func statusForCode(code core.ErrorCode) int {
	switch code {
	case errCodeInvalidBody:
		return http.StatusBadRequest
	case core.ErrCodeNotFound:
		return http.StatusNotFound
	case core.ErrCodeForbidden, core.ErrCodeSelfApprovalForbidden:
		return http.StatusForbidden
	case core.ErrCodeUnbalancedVoucher, core.ErrCodeNonPositiveAmount, core.ErrCodeInvalidEntryType,
		core.ErrCodeTooFewLines, core.ErrCodeCrossCompanyRef, core.ErrCodeOverAllocation,
		core.ErrCodeInvalidMovementEndpoints, core.ErrCodeDateOutsideFY:
		return http.StatusUnprocessableEntity
	default:
		// Every remaining code is a state or guard conflict.
		return http.StatusConflict
	}
}

func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return core.E(errCodeInvalidBody, "failed to decode request body: %s", err)
	}
	return nil
}
