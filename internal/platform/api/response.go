// Package api is the admin HTTP surface (spec §6): a small chi-routed
// set of handlers over the broadcast.AdminService, authenticated by a
// single static admin token rather than the platform's full session/JWT
// stack.
package api

import (
	"encoding/json"
	"net/http"

	"go.broadcastengine.dev/internal/platform/common"
)

// ErrorResponse is the JSON shape of every non-2xx admin response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// WriteUnauthorized writes a 401 error.
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

// WriteBadRequest writes a 400 error, for requests that fail to decode
// before they ever reach the use case layer.
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "bad_request", message)
}

// WriteUseCaseError writes an error response based on the UseCaseError's
// kind, using the status table ErrorKind.HTTPStatus already encodes.
func WriteUseCaseError(w http.ResponseWriter, err *common.UseCaseError) {
	WriteError(w, err.HTTPStatus(), err.Code, err.Message)
}

// WriteUseCaseResult writes a successful use case result or its error.
func WriteUseCaseResult[T any](w http.ResponseWriter, result common.Result[T], successStatus int) {
	if result.IsFailure() {
		WriteUseCaseError(w, result.Error())
		return
	}
	WriteJSON(w, successStatus, result.Value())
}

// DecodeJSON decodes a JSON request body.
func DecodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}
