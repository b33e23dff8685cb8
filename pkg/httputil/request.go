package httputil

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/anvil/pkg/apperr"
)

// MaxBodyBytes bounds request bodies.
const MaxBodyBytes = 1 << 20

// ReadBody drains the request body up to MaxBodyBytes and returns the raw
// bytes. An empty body returns nil.
func ReadBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, apperr.BadRequest("reading request body: %s", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// ParseJSON decodes the request body into dest. An empty body is a bad
// request; trailing garbage too.
func ParseJSON(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	data, err := ReadBody(w, r)
	if err != nil {
		return err
	}
	if data == nil {
		return apperr.BadRequest("request body is empty")
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return apperr.BadRequest("invalid JSON: %s", err)
	}
	return nil
}

// PathVar extracts a mux path variable; missing variables are a routing
// bug, not a client error.
func PathVar(r *http.Request, key string) string {
	return mux.Vars(r)[key]
}
