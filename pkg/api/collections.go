package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/platinummonkey/anvil/pkg/apperr"
	"github.com/platinummonkey/anvil/pkg/auth"
	"github.com/platinummonkey/anvil/pkg/document"
	"github.com/platinummonkey/anvil/pkg/httputil"
	"github.com/platinummonkey/anvil/pkg/pipeline"
	"github.com/platinummonkey/anvil/pkg/query"
	"github.com/platinummonkey/anvil/pkg/schema"
)

// buildRequest assembles the pipeline request shared by every collection
// handler.
func (s *Server) buildRequest(r *http.Request, method, id string, count bool) *pipeline.Request {
	collection := httputil.PathVar(r, "collection")
	rel := strings.TrimPrefix(r.URL.Path, "/"+collection)
	var parts []string
	if trimmed := strings.Trim(rel, "/"); trimmed != "" {
		parts = strings.Split(trimmed, "/")
	}
	return &pipeline.Request{
		Method:     method,
		Collection: collection,
		ID:         id,
		Count:      count,
		Principal:  auth.PrincipalFrom(r.Context()),
		Headers:    r.Header,
		URL:        "/" + collection + rel,
		Parts:      parts,
	}
}

// parseURLFilter turns the URL query string into a filter object. Values
// are JSON so clients can express typed conditions ({"$lt":5}); anything
// that fails to decode is taken as a literal string.
func parseURLFilter(values url.Values) (map[string]interface{}, []byte) {
	raw := make(map[string]interface{}, len(values))
	var sortJSON []byte
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		v := vals[0]
		var decoded interface{}
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			decoded = v
		}
		raw[key] = decoded
		if key == "$sort" {
			// Key order of multi-field sorts is recovered from the raw text.
			sortJSON = []byte(`{"$sort":` + v + `}`)
		}
	}
	return raw, sortJSON
}

func (s *Server) parseReadRequest(r *http.Request, method, id string, count bool) (*pipeline.Request, error) {
	req := s.buildRequest(r, method, id, count)
	raw, sortJSON := parseURLFilter(r.URL.Query())
	q, opts, err := query.ParseRequest(raw, sortJSON)
	if err != nil {
		return nil, err
	}
	req.Query = q
	req.Options = opts
	return req, nil
}

// parseWriteRequest decodes a JSON body, splitting the $-control keys off
// into options so scripts and validation never see them.
func (s *Server) parseWriteRequest(w http.ResponseWriter, r *http.Request, method, id string) (*pipeline.Request, error) {
	req := s.buildRequest(r, method, id, false)

	body := document.Document{}
	data, err := httputil.ReadBody(w, r)
	if err != nil {
		return nil, err
	}
	if data != nil {
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, apperr.BadRequest("invalid JSON: %s", err)
		}
	}

	controls := make(map[string]interface{})
	for k, v := range body {
		if strings.HasPrefix(k, "$") {
			controls[k] = v
			delete(body, k)
		}
	}
	_, opts, err := query.ParseRequest(controls, nil)
	if err != nil {
		return nil, err
	}

	req.Body = body
	req.Options = opts
	return req, nil
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, req *pipeline.Request) {
	resp, err := s.cfg.Pipeline.Do(r.Context(), req)
	if err != nil {
		httputil.WriteAppError(w, s.log, err)
		return
	}
	s.render(w, resp)
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseReadRequest(r, http.MethodGet, "", false)
	if err != nil {
		httputil.WriteAppError(w, s.log, err)
		return
	}
	s.run(w, r, req)
}

func (s *Server) countDocuments(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseReadRequest(r, http.MethodGet, "", true)
	if err != nil {
		httputil.WriteAppError(w, s.log, err)
		return
	}
	s.run(w, r, req)
}

// queryDocuments is the POST-body variant of list, for filters too large
// or too awkward for a query string. The body either holds query/options
// sub-objects or is itself the combined filter.
func (s *Server) queryDocuments(w http.ResponseWriter, r *http.Request) {
	data, err := httputil.ReadBody(w, r)
	if err != nil {
		httputil.WriteAppError(w, s.log, err)
		return
	}
	if data == nil {
		httputil.WriteAppError(w, s.log, apperr.BadRequest("request body is empty"))
		return
	}
	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		httputil.WriteAppError(w, s.log, apperr.BadRequest("invalid JSON: %s", err))
		return
	}

	raw := body
	if sub, ok := body["query"].(map[string]interface{}); ok {
		raw = sub
		if opts, ok := body["options"].(map[string]interface{}); ok {
			for k, v := range opts {
				raw[k] = v
			}
		}
	}

	req := s.buildRequest(r, http.MethodGet, "", false)
	q, opts, err := query.ParseRequest(raw, data)
	if err != nil {
		httputil.WriteAppError(w, s.log, err)
		return
	}
	req.Query = q
	req.Options = opts
	s.run(w, r, req)
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseReadRequest(r, http.MethodGet, httputil.PathVar(r, "id"), false)
	if err != nil {
		httputil.WriteAppError(w, s.log, err)
		return
	}
	s.run(w, r, req)
}

func (s *Server) createDocument(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseWriteRequest(w, r, http.MethodPost, "")
	if err != nil {
		httputil.WriteAppError(w, s.log, err)
		return
	}
	if req.Collection == schema.UsersName {
		if err := s.checkRegistration(req.Principal); err != nil {
			httputil.WriteAppError(w, s.log, err)
			return
		}
	}
	s.run(w, r, req)
}

// checkRegistration enforces who may create user accounts: root always,
// anonymous visitors only while registration is open, and signed-in users
// never.
func (s *Server) checkRegistration(p *auth.Principal) error {
	if p.Root() {
		return nil
	}
	if p.Authenticated() {
		return apperr.Forbidden("already signed in")
	}
	if !s.cfg.Security.AllowRegistration() {
		return apperr.Forbidden("registration is disabled")
	}
	return nil
}

func (s *Server) updateDocument(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseWriteRequest(w, r, http.MethodPut, httputil.PathVar(r, "id"))
	if err != nil {
		httputil.WriteAppError(w, s.log, err)
		return
	}
	s.run(w, r, req)
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseReadRequest(r, http.MethodDelete, httputil.PathVar(r, "id"), false)
	if err != nil {
		httputil.WriteAppError(w, s.log, err)
		return
	}
	s.run(w, r, req)
}
