package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dennisdiepolder/docqueue/backend/internal/queue"
	"github.com/dennisdiepolder/docqueue/backend/internal/scheduler"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

var validate = validator.New()

// errorBody is the JSON error payload. Only user-safe text goes in here.
type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusFor maps a service error to a status code and a message that is
// safe to show. Unknown errors become a generic retry hint.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, queue.ErrUnknownAgent):
		return http.StatusNotFound, "not found"
	case errors.Is(err, types.ErrInvalidTransition):
		return http.StatusConflict, "invalid transition"
	case errors.Is(err, queue.ErrNoAgentsAvailable):
		return http.StatusConflict, "no agents available right now"
	case errors.Is(err, queue.ErrAgentUnavailable), errors.Is(err, queue.ErrAgentAtCapacity):
		return http.StatusConflict, err.Error()
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusServiceUnavailable, "queue is full, please try again later"
	case errors.Is(err, queue.ErrInvalidSatisfaction),
		errors.Is(err, queue.ErrInvalidStatus),
		errors.Is(err, queue.ErrMissingService),
		errors.Is(err, scheduler.ErrUnknownPass):
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, "something went wrong, please try again"
}

// writeServiceError logs server-side failures and answers with the mapped status
func writeServiceError(w http.ResponseWriter, logger zerolog.Logger, op string, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("op", op).Msg("request failed")
	} else {
		logger.Debug().Err(err).Str("op", op).Int("status", status).Msg("request rejected")
	}
	writeError(w, status, msg)
}

// decode reads a JSON body into v and validates its struct tags.
// An empty body is accepted when allowEmpty is set.
func decode(r *http.Request, v any, allowEmpty bool) error {
	if r.Body == nil || r.ContentLength == 0 {
		if allowEmpty {
			return validate.Struct(v)
		}
		return errors.New("request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid JSON")
	}
	return validate.Struct(v)
}

// validationMessage turns validator output into a short field list
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msg := "invalid fields:"
	for i, fe := range verrs {
		if i > 0 {
			msg += ","
		}
		msg += " " + fe.Field()
	}
	return msg
}

// ticketID parses the {id} URL parameter
func ticketID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}
