package api

import (
	"encoding/json"
	"net/http"

	xerrors "PoH-Ledger/internal/errors"
	"PoH-Ledger/internal/ledger"
	"PoH-Ledger/internal/poh"
)

type errorBody struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code xerrors.Code, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

// writeErr 按错误码映射 HTTP 状态。
func writeErr(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeError(w, statusFor(code), code, err.Error())
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, poh.CodeInvalidRange:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, ledger.CodeSlotNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
