// Package handlers provides HTTP request handlers for the neondeck API.
// This file contains the response, parsing and error mapping helpers shared
// by every handler.
package handlers

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/anstrom/neondeck/internal/api/middleware"
	"github.com/anstrom/neondeck/internal/errors"
	"github.com/anstrom/neondeck/internal/logging"
)

// ErrorResponse represents an API error response. Detail carries the
// human-readable message the dashboard shows.
type ErrorResponse struct {
	Detail    string    `json:"detail"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Error("Failed to encode JSON response",
			"request_id", middleware.GetRequestID(r),
			"path", r.URL.Path,
			"error", err)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, detail string, code errors.ErrorCode) {
	response := ErrorResponse{
		Detail:    detail,
		RequestID: middleware.GetRequestID(r),
		Timestamp: time.Now().UTC(),
	}
	if code != "" {
		response.Code = string(code)
	}
	writeJSON(w, r, statusCode, response)
}

// handleError maps a coded error to an HTTP status. Unexpected errors are
// logged and reported without internal detail.
func handleError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, operation string, err error) {
	code := errors.GetCode(err)

	var status int
	switch code {
	case errors.CodeNotFound:
		status = http.StatusNotFound
	case errors.CodeConflict:
		status = http.StatusConflict
	case errors.CodeValidation, errors.CodeTargetInvalid:
		status = http.StatusBadRequest
	case errors.CodeServiceUnavailable, errors.CodeDatabaseConnection:
		status = http.StatusServiceUnavailable
	case errors.CodeTimeout, errors.CodeDatabaseTimeout, errors.CodeServiceTimeout:
		status = http.StatusGatewayTimeout
	default:
		logger.Error("Request failed",
			"operation", operation,
			"request_id", middleware.GetRequestID(r),
			"error", err)
		writeError(w, r, http.StatusInternalServerError, "Internal server error", errors.CodeUnknown)
		return
	}

	if status >= http.StatusInternalServerError {
		logger.Warn("Request failed",
			"operation", operation,
			"request_id", middleware.GetRequestID(r),
			"error", err)
	}
	writeError(w, r, status, errors.Message(err), code)
}

// parseJSON decodes the request body into dest and validates it.
func parseJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.ErrValidation("request body is empty")
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var maxErr *http.MaxBytesError
		if stderrors.As(err, &maxErr) {
			return errors.ErrValidation(fmt.Sprintf("request body too large (max %d bytes)", maxErr.Limit))
		}
		return errors.ErrValidation("invalid JSON: " + err.Error())
	}

	if err := validate.Struct(dest); err != nil {
		return errors.ErrValidation(validationMessage(err))
	}
	return nil
}

// validationMessage renders validator errors as one readable sentence.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
		case "url", "http_url":
			msgs = append(msgs, field+" must be an absolute http(s) URL")
		case "hexcolor":
			msgs = append(msgs, field+" must be a hex color such as #00d9ff")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// extractUUIDFromPath extracts the {id} path parameter.
func extractUUIDFromPath(r *http.Request) (uuid.UUID, error) {
	idStr, exists := mux.Vars(r)["id"]
	if !exists {
		return uuid.Nil, errors.ErrValidation("id not provided")
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, errors.ErrValidation(fmt.Sprintf("invalid id: %s", idStr))
	}
	return id, nil
}

// getQueryParamInt extracts integer query parameter with default value.
func getQueryParamInt(r *http.Request, key string, defaultValue int) (int, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.ErrValidation(fmt.Sprintf("invalid %s parameter: %s", key, value))
	}
	return n, nil
}

// optionalUUID distinguishes an absent JSON field from an explicit null.
type optionalUUID struct {
	Set   bool
	Value *uuid.UUID
}

// UnmarshalJSON is only called when the field is present.
func (o *optionalUUID) UnmarshalJSON(data []byte) error {
	o.Set = true
	if string(data) == "null" {
		o.Value = nil
		return nil
	}
	var id uuid.UUID
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	o.Value = &id
	return nil
}

// NotFound answers unmatched routes with a JSON error.
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "Not found", errors.CodeNotFound)
}

// MethodNotAllowed answers a known path requested with the wrong method.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "Method not allowed", "")
}
