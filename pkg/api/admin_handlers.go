package api

import (
	"net/http"
	"time"

	"github.com/platinummonkey/anvil/pkg/apperr"
	"github.com/platinummonkey/anvil/pkg/config"
	"github.com/platinummonkey/anvil/pkg/httputil"
	"github.com/platinummonkey/anvil/pkg/observability"
	"github.com/platinummonkey/anvil/pkg/schema"
)

func (s *Server) adminInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"version":     Version,
		"serverId":    s.cfg.ServerID,
		"production":  s.cfg.Production,
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"collections": len(s.cfg.Registry.All()),
	}
	if s.cfg.Hub != nil {
		info["connections"] = s.cfg.Hub.ConnectionCount()
	}
	if s.cfg.Watchdog != nil {
		info["health"] = s.cfg.Watchdog.Status()
	} else {
		info["health"] = observability.HealthStatus{Status: observability.StatusHealthy}
	}
	httputil.WriteJSON(w, http.StatusOK, info)
}

// collectionView re-attaches the name for API responses.
func collectionView(col *schema.Collection) *collectionPayload {
	return &collectionPayload{
		Name:       col.Name,
		Properties: col.Properties,
		UseColumns: col.UseColumns,
		NoStore:    col.NoStore,
	}
}

func (s *Server) listCollections(w http.ResponseWriter, r *http.Request) {
	cols := s.cfg.Registry.All()
	out := make([]*collectionPayload, 0, len(cols))
	for _, col := range cols {
		out = append(out, collectionView(col))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) getCollection(w http.ResponseWriter, r *http.Request) {
	col, ok := s.cfg.Registry.Get(httputil.PathVar(r, "name"))
	if !ok {
		httputil.WriteAppError(w, s.log, apperr.NotFound("collection does not exist"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, collectionView(col))
}

// collectionPayload is the admin wire shape. The definition's name is
// carried in the body on create and in the path on edit; on disk it is
// the directory name, so schema.Collection does not serialize it.
type collectionPayload struct {
	Name       string                  `json:"name"`
	Properties map[string]schema.Field `json:"properties"`
	UseColumns bool                    `json:"useColumns,omitempty"`
	NoStore    bool                    `json:"noStore,omitempty"`
}

func (p *collectionPayload) toCollection() *schema.Collection {
	props := p.Properties
	if props == nil {
		props = map[string]schema.Field{}
	}
	return &schema.Collection{
		Name:       p.Name,
		Properties: props,
		UseColumns: p.UseColumns,
		NoStore:    p.NoStore,
	}
}

func (s *Server) createCollection(w http.ResponseWriter, r *http.Request) {
	var payload collectionPayload
	if err := httputil.ParseJSON(w, r, &payload); err != nil {
		httputil.WriteAppError(w, s.log, err)
		return
	}
	col := payload.toCollection()
	if _, exists := s.cfg.Registry.Get(col.Name); exists {
		httputil.WriteAppError(w, s.log, apperr.Conflict("collection %q already exists", col.Name))
		return
	}
	if err := col.Validate(); err != nil {
		httputil.WriteAppError(w, s.log, apperr.BadRequest("%s", err))
		return
	}
	if err := s.cfg.Registry.Save(col); err != nil {
		httputil.WriteAppError(w, s.log, err)
		return
	}
	if err := s.cfg.Store.EnsureCollection(r.Context(), col); err != nil {
		httputil.WriteAppError(w, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, collectionView(col))
}

// updateCollection edits a definition in place. Existing fields may be
// changed and new ones added; documents written under the old definition
// are not migrated.
func (s *Server) updateCollection(w http.ResponseWriter, r *http.Request) {
	name := httputil.PathVar(r, "name")
	if _, ok := s.cfg.Registry.Get(name); !ok {
		httputil.WriteAppError(w, s.log, apperr.NotFound("collection does not exist"))
		return
	}

	var payload collectionPayload
	if err := httputil.ParseJSON(w, r, &payload); err != nil {
		httputil.WriteAppError(w, s.log, err)
		return
	}
	payload.Name = name // the path wins over the body
	col := payload.toCollection()
	if err := col.Validate(); err != nil {
		httputil.WriteAppError(w, s.log, apperr.BadRequest("%s", err))
		return
	}
	if err := s.cfg.Registry.Save(col); err != nil {
		httputil.WriteAppError(w, s.log, err)
		return
	}
	if err := s.cfg.Store.EnsureCollection(r.Context(), col); err != nil {
		httputil.WriteAppError(w, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, collectionView(col))
}

// deleteCollection drops the stored documents and the definition, scripts
// included.
func (s *Server) deleteCollection(w http.ResponseWriter, r *http.Request) {
	name := httputil.PathVar(r, "name")
	if name == schema.UsersName {
		httputil.WriteAppError(w, s.log, apperr.Forbidden("the users collection cannot be deleted"))
		return
	}
	if _, ok := s.cfg.Registry.Get(name); !ok {
		httputil.WriteAppError(w, s.log, apperr.NotFound("collection does not exist"))
		return
	}
	if err := s.cfg.Store.DropCollection(r.Context(), name); err != nil {
		httputil.WriteAppError(w, s.log, err)
		return
	}
	if err := s.cfg.Registry.Delete(name); err != nil {
		httputil.WriteAppError(w, s.log, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) getSecurity(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.cfg.Security.Snapshot())
}

func (s *Server) updateSecurity(w http.ResponseWriter, r *http.Request) {
	var sec config.Security
	if err := httputil.ParseJSON(w, r, &sec); err != nil {
		httputil.WriteAppError(w, s.log, err)
		return
	}
	if err := s.cfg.Security.Update(sec); err != nil {
		httputil.WriteAppError(w, s.log, apperr.BadRequest("%s", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.cfg.Security.Snapshot())
}
