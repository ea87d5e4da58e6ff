package api

import (
	"net/http"
	"strconv"

	"github.com/darshan-rambhia/petrowatch/internal/access"
	"github.com/darshan-rambhia/petrowatch/internal/alerter"
	"github.com/darshan-rambhia/petrowatch/internal/model"
	"github.com/darshan-rambhia/petrowatch/internal/service"
)

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, model.Invalid("%s must be a non-negative integer", key)
	}
	return n, nil
}

// siteFilter resolves the optional siteId filter of a list call and checks
// the caller may see that site. An absent filter is "".
func (s *Server) siteFilter(r *http.Request, id model.Identity) (string, error) {
	q := r.URL.Query().Get("siteId")
	if q == "" {
		return "", nil
	}
	siteID, err := access.ResolveSiteID(r.PathValue("siteId"), "", q)
	if err != nil {
		return "", err
	}
	if err := s.svc.Gate().CheckSite(r.Context(), id, siteID); err != nil {
		return "", err
	}
	return siteID, nil
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// reason reads the optional audit reason from the body or the query string.
func reason(w http.ResponseWriter, r *http.Request) (string, error) {
	var req reasonRequest
	if err := decodeOptional(w, r, &req); err != nil {
		return "", err
	}
	if req.Reason == "" {
		req.Reason = r.URL.Query().Get("reason")
	}
	return req.Reason, nil
}

// --- sites ---

// @Summary List sites
// @Description Summaries of every site the caller may see, ordered by site code.
// @Produce json
// @Security BearerAuth
// @Success 200 {array} model.SiteSummary
// @Router /sites [get]
func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request, id model.Identity) {
	sites, err := s.svc.ListSites(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, sites)
}

// @Summary Create site
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body service.SiteInput true "Site"
// @Success 201 {object} model.Site
// @Failure 400 {object} errorResponse
// @Failure 403 {object} errorResponse
// @Failure 409 {object} errorResponse
// @Router /sites [post]
func (s *Server) handleCreateSite(w http.ResponseWriter, r *http.Request, id model.Identity) {
	var in service.SiteInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	site, err := s.svc.CreateSite(r.Context(), id, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONStatus(w, r, http.StatusCreated, site)
}

// @Summary Get site
// @Produce json
// @Security BearerAuth
// @Param id path string true "Site id"
// @Success 200 {object} service.SiteDetail
// @Failure 403 {object} errorResponse
// @Failure 404 {object} errorResponse
// @Router /sites/{id} [get]
func (s *Server) handleGetSite(w http.ResponseWriter, r *http.Request, id model.Identity) {
	d, err := s.svc.GetSite(r.Context(), id, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, d)
}

// @Summary Update site
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Site id"
// @Param body body service.SitePatch true "Fields to change"
// @Success 200 {object} model.Site
// @Router /sites/{id} [patch]
func (s *Server) handleUpdateSite(w http.ResponseWriter, r *http.Request, id model.Identity) {
	var p service.SitePatch
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, r, err)
		return
	}
	site, err := s.svc.UpdateSite(r.Context(), id, r.PathValue("id"), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, site)
}

// @Summary Delete site
// @Description Removes the site and everything it owns. Audit history is kept.
// @Security BearerAuth
// @Param id path string true "Site id"
// @Param reason query string false "Audit reason"
// @Success 204
// @Router /sites/{id} [delete]
func (s *Server) handleDeleteSite(w http.ResponseWriter, r *http.Request, id model.Identity) {
	why, err := reason(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.svc.DeleteSite(r.Context(), id, r.PathValue("id"), why); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// @Summary Get integration settings
// @Produce json
// @Security BearerAuth
// @Param id path string true "Site id"
// @Success 200 {object} model.SiteIntegration
// @Router /sites/{id}/integrations [get]
func (s *Server) handleGetIntegration(w http.ResponseWriter, r *http.Request, id model.Identity) {
	in, err := s.svc.GetIntegration(r.Context(), id, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, in)
}

// @Summary Update integration settings
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Site id"
// @Param body body service.IntegrationPatch true "Fields to change"
// @Success 200 {object} model.SiteIntegration
// @Router /sites/{id}/integrations [patch]
func (s *Server) handleUpdateIntegration(w http.ResponseWriter, r *http.Request, id model.Identity) {
	var p service.IntegrationPatch
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := s.svc.UpdateIntegration(r.Context(), id, r.PathValue("id"), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, in)
}

// --- devices ---

// @Summary List pumps
// @Produce json
// @Security BearerAuth
// @Param id path string true "Site id"
// @Success 200 {array} model.Pump
// @Router /sites/{id}/pumps [get]
func (s *Server) handleListPumps(w http.ResponseWriter, r *http.Request, id model.Identity) {
	pumps, err := s.svc.ListPumps(r.Context(), id, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, pumps)
}

// @Summary Create pump
// @Description Creates the pump with sides A and B and a connection row per side.
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Site id"
// @Param body body service.PumpInput true "Pump"
// @Success 201 {object} model.Pump
// @Failure 409 {object} errorResponse
// @Router /sites/{id}/pumps [post]
func (s *Server) handleCreatePump(w http.ResponseWriter, r *http.Request, id model.Identity) {
	var in service.PumpInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.svc.CreatePump(r.Context(), id, r.PathValue("id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONStatus(w, r, http.StatusCreated, p)
}

// @Summary Update pump
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Pump id"
// @Param body body service.PumpPatch true "Fields to change"
// @Success 200 {object} model.Pump
// @Router /pumps/{id} [patch]
func (s *Server) handleUpdatePump(w http.ResponseWriter, r *http.Request, id model.Identity) {
	var p service.PumpPatch
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, r, err)
		return
	}
	pump, err := s.svc.UpdatePump(r.Context(), id, r.PathValue("id"), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, pump)
}

// @Summary Delete pump
// @Security BearerAuth
// @Param id path string true "Pump id"
// @Success 204
// @Router /pumps/{id} [delete]
func (s *Server) handleDeletePump(w http.ResponseWriter, r *http.Request, id model.Identity) {
	why, err := reason(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.svc.DeletePump(r.Context(), id, r.PathValue("id"), why); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// @Summary List tanks
// @Produce json
// @Security BearerAuth
// @Param id path string true "Site id"
// @Success 200 {array} model.Tank
// @Router /sites/{id}/tanks [get]
func (s *Server) handleListTanks(w http.ResponseWriter, r *http.Request, id model.Identity) {
	tanks, err := s.svc.ListTanks(r.Context(), id, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, tanks)
}

// @Summary Create tank
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Site id"
// @Param body body service.TankInput true "Tank"
// @Success 201 {object} model.Tank
// @Router /sites/{id}/tanks [post]
func (s *Server) handleCreateTank(w http.ResponseWriter, r *http.Request, id model.Identity) {
	var in service.TankInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.svc.CreateTank(r.Context(), id, r.PathValue("id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONStatus(w, r, http.StatusCreated, t)
}

// @Summary Update tank
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Tank id"
// @Param body body service.TankPatch true "Fields to change"
// @Success 200 {object} model.Tank
// @Router /tanks/{id} [patch]
func (s *Server) handleUpdateTank(w http.ResponseWriter, r *http.Request, id model.Identity) {
	var p service.TankPatch
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.svc.UpdateTank(r.Context(), id, r.PathValue("id"), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, t)
}

// @Summary Delete tank
// @Security BearerAuth
// @Param id path string true "Tank id"
// @Success 204
// @Router /tanks/{id} [delete]
func (s *Server) handleDeleteTank(w http.ResponseWriter, r *http.Request, id model.Identity) {
	why, err := reason(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.svc.DeleteTank(r.Context(), id, r.PathValue("id"), why); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- layouts ---

// @Summary Active layout
// @Produce json
// @Security BearerAuth
// @Param id path string true "Site id"
// @Success 200 {object} model.Layout
// @Router /sites/{id}/layout [get]
func (s *Server) handleActiveLayout(w http.ResponseWriter, r *http.Request, id model.Identity) {
	l, err := s.svc.ActiveLayout(r.Context(), id, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, l)
}

// @Summary Create layout version
// @Description Stores a new version and makes it the only active one. A baseVersion other than the latest fails with 409.
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Site id"
// @Param body body service.LayoutInput true "Layout"
// @Success 201 {object} model.Layout
// @Failure 409 {object} errorResponse
// @Router /sites/{id}/layout [post]
func (s *Server) handleCreateLayout(w http.ResponseWriter, r *http.Request, id model.Identity) {
	var in service.LayoutInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	l, err := s.svc.CreateLayout(r.Context(), id, r.PathValue("id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONStatus(w, r, http.StatusCreated, l)
}

// @Summary Layout history
// @Produce json
// @Security BearerAuth
// @Param id path string true "Site id"
// @Success 200 {array} model.Layout
// @Router /sites/{id}/layouts [get]
func (s *Server) handleListLayouts(w http.ResponseWriter, r *http.Request, id model.Identity) {
	list, err := s.svc.ListLayouts(r.Context(), id, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, list)
}

// --- alerts ---

// @Summary Raise alert
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Site id"
// @Param body body alerter.AlarmInput true "Alert"
// @Success 201 {object} model.AlarmEvent
// @Router /sites/{id}/alerts [post]
func (s *Server) handleRaiseAlert(w http.ResponseWriter, r *http.Request, id model.Identity) {
	var in alerter.AlarmInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	ev, err := s.svc.RaiseManual(r.Context(), id, r.PathValue("id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONStatus(w, r, http.StatusCreated, ev)
}

// @Summary List alerts
// @Description Newest first, scoped to the caller's sites, at most 500.
// @Produce json
// @Security BearerAuth
// @Param siteId query string false "Site id"
// @Param state query string false "raised, acknowledged or cleared"
// @Param severity query string false "critical, warn or info"
// @Param component query string false "Component"
// @Param pumpId query string false "Pump id"
// @Param side query string false "A or B"
// @Param limit query int false "Max rows" default(500)
// @Success 200 {array} model.AlarmEvent
// @Failure 403 {object} errorResponse
// @Router /alerts [get]
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request, id model.Identity) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	siteID, err := s.siteFilter(r, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	list, err := s.svc.Alerter().List(r.Context(), id, model.AlarmFilter{
		SiteID:    siteID,
		State:     model.AlarmState(q.Get("state")),
		Severity:  model.Severity(q.Get("severity")),
		Component: q.Get("component"),
		PumpID:    q.Get("pumpId"),
		Side:      model.Side(q.Get("side")),
		Limit:     limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, list)
}

// @Summary Acknowledge alert
// @Description Idempotent. Acknowledging a cleared alert is a conflict.
// @Produce json
// @Security BearerAuth
// @Param id path string true "Alert id"
// @Success 200 {object} model.AlarmEvent
// @Failure 409 {object} errorResponse
// @Router /alerts/{id}/ack [post]
func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request, id model.Identity) {
	ev, err := s.svc.Alerter().Acknowledge(r.Context(), id, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, ev)
}

// @Summary Clear alert
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Alert id"
// @Param body body reasonRequest false "Reason"
// @Success 200 {object} model.AlarmEvent
// @Router /alerts/{id}/clear [post]
func (s *Server) handleClearAlert(w http.ResponseWriter, r *http.Request, id model.Identity) {
	why, err := reason(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ev, err := s.svc.Alerter().Clear(r.Context(), id, r.PathValue("id"), why)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, ev)
}

// --- history ---

// @Summary Tank history
// @Description Oldest first, scoped to the caller's sites, at most 300 rows.
// @Produce json
// @Security BearerAuth
// @Param siteId query string false "Site id"
// @Param tankId query string false "Tank id"
// @Param limit query int false "Max rows" default(300)
// @Success 200 {array} model.TankMeasurement
// @Failure 403 {object} errorResponse
// @Router /history/tanks [get]
func (s *Server) handleTankHistory(w http.ResponseWriter, r *http.Request, id model.Identity) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	siteID, err := s.siteFilter(r, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	rows, err := s.svc.TankHistory(r.Context(), id, model.MeasurementFilter{
		SiteID: siteID,
		TankID: q.Get("tankId"),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, rows)
}

// @Summary Audit log
// @Description Newest first for the caller's org, at most 300 rows.
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Max rows" default(300)
// @Success 200 {array} model.AuditEntry
// @Failure 403 {object} errorResponse
// @Router /audit [get]
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request, id model.Identity) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := s.svc.AuditLog(r.Context(), id, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, entries)
}
