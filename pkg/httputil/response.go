// Package httputil provides the JSON response/request helpers and the HTTP
// middleware shared by every handler.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/anvil/pkg/apperr"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a 200 response with JSON data.
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes an empty 204 response.
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteErrorMessage writes a JSON error response with a custom message.
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// WriteAppError renders any error through the apperr taxonomy: validation
// failures become `{"errors":{field:message}}`, everything else becomes
// `{"error":message,"code":kind}` with the kind's status. Unclassified
// errors are logged and hidden behind a generic 500 so internals never
// reach clients.
func WriteAppError(w http.ResponseWriter, log *logrus.Logger, err error) {
	status := apperr.StatusOf(err)
	kind := apperr.KindOf(err)

	if kind == apperr.KindValidationFailed {
		WriteJSON(w, status, map[string]interface{}{"errors": apperr.FieldsOf(err)})
		return
	}

	message := err.Error()
	if kind == apperr.KindInternal {
		if log != nil {
			log.WithError(err).Error("request failed")
		}
		// Script cancels carry an explicit status and a message meant for
		// the client; anything else stays opaque.
		var ae *apperr.Error
		if !errors.As(err, &ae) || ae.Status == 0 {
			message = "internal server error"
		}
	}
	WriteJSON(w, status, map[string]string{"error": message, "code": kind.String()})
}
