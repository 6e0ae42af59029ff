package server

import (
	"encoding/json"
	"net/http"

	"github.com/grovetools/brain/errors"
)

// envelope is the uniform response shape for every REST endpoint.
type envelope struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func respondOK(w http.ResponseWriter, data interface{}) {
	respondJSON(w, http.StatusOK, envelope{Status: "success", Data: data})
}

func respondError(w http.ResponseWriter, status int, code errors.ErrorCode, message string, details map[string]interface{}) {
	respondJSON(w, status, envelope{
		Status: "error",
		Error:  &apiError{Code: string(code), Message: message, Details: details},
	})
}

// respondFromError maps a service error onto the envelope using its code.
func respondFromError(w http.ResponseWriter, err error) {
	code := errors.GetCode(err)
	status := http.StatusInternalServerError
	switch code {
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeInvalidInput, errors.ErrCodeConfigInvalid, errors.ErrCodeSchemaInvalid:
		status = http.StatusBadRequest
	case errors.ErrCodeQueueFull, errors.ErrCodeRateLimited:
		status = http.StatusTooManyRequests
	case errors.ErrCodeAnalyzerTimeout:
		status = http.StatusGatewayTimeout
	case errors.ErrCodeBackendOffline, errors.ErrCodeAnalyzerNotFound:
		status = http.StatusBadGateway
	case "":
		code = errors.ErrCodeInternal
	}

	var details map[string]interface{}
	var brainErr *errors.BrainError
	if errors.As(err, &brainErr) && len(brainErr.Details) > 0 {
		details = brainErr.Details
	}
	respondError(w, status, code, err.Error(), details)
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeBody reads a JSON request body into dst with a size cap.
func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "malformed request body")
	}
	return nil
}
