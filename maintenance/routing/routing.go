// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"

	"github.com/element-hq/caretaker/internal/httputil"
	"github.com/element-hq/caretaker/maintenance/api"
	"github.com/element-hq/caretaker/maintenance/emergency"
	"github.com/element-hq/caretaker/maintenance/sessions"
	"github.com/element-hq/caretaker/maintenance/state"
	"github.com/element-hq/caretaker/maintenance/status"
	"github.com/element-hq/caretaker/maintenance/storage"
	"github.com/element-hq/caretaker/setup/config"
)

// Deps carries everything the routing layer needs. All admin-capability
// checks go through the identity resolver; this subsystem never stores
// credentials itself.
type Deps struct {
	Cfg        *config.Caretaker
	State      *state.Service
	Sessions   *sessions.Coordinator
	Emergency  *emergency.Handler
	Reporter   *status.Reporter
	DB         storage.Database
	Resolver   api.IdentityResolver
	RateLimits *httputil.RateLimits
}

// Setup registers the status and administrative endpoints on the router.
func Setup(router *mux.Router, deps *Deps) {
	router.Handle("/_caretaker/status",
		httputil.MakeExternalAPI("status", func(req *http.Request) util.JSONResponse {
			return util.JSONResponse{Code: http.StatusOK, JSON: deps.Reporter.Report()}
		}),
	).Methods(http.MethodGet)

	router.Handle("/_caretaker/login_allowed",
		httputil.MakeExternalAPI("login_allowed", func(req *http.Request) util.JSONResponse {
			return loginAllowed(req, deps)
		}),
	).Methods(http.MethodGet)

	adminBA := httputil.BasicAuth{
		Username: deps.Cfg.Server.AdminBasicAuth.Username,
		Password: deps.Cfg.Server.AdminBasicAuth.Password,
	}
	admin := func(metricsName string, f func(*http.Request) util.JSONResponse) http.Handler {
		wrapped := httputil.MakeExternalAPI(metricsName, func(req *http.Request) util.JSONResponse {
			if deps.RateLimits != nil {
				if res := deps.RateLimits.Limit(req); res != nil {
					return *res
				}
			}
			if res := requireAdmin(req, deps.Resolver); res != nil {
				return *res
			}
			return f(req)
		})
		return httputil.WrapHandlerInBasicAuth(wrapped, adminBA)
	}

	router.Handle("/_caretaker/admin/enable",
		admin("admin_enable", func(req *http.Request) util.JSONResponse {
			return enableMaintenance(req, deps)
		}),
	).Methods(http.MethodPost)

	router.Handle("/_caretaker/admin/disable",
		admin("admin_disable", func(req *http.Request) util.JSONResponse {
			return disableMaintenance(req, deps)
		}),
	).Methods(http.MethodPost)

	router.Handle("/_caretaker/admin/emergency",
		admin("admin_emergency", func(req *http.Request) util.JSONResponse {
			return activateEmergency(req, deps)
		}),
	).Methods(http.MethodPost)

	router.Handle("/_caretaker/admin/deactivate",
		admin("admin_deactivate", func(req *http.Request) util.JSONResponse {
			return deactivateEmergency(req, deps)
		}),
	).Methods(http.MethodPost)

	router.Handle("/_caretaker/admin/events",
		admin("admin_events", func(req *http.Request) util.JSONResponse {
			return recentEvents(req, deps)
		}),
	).Methods(http.MethodGet)
}

// callerIdentity extracts the caller's identity for the admin-capability
// check. The basic auth username doubles as the identity the resolver knows.
func callerIdentity(req *http.Request) string {
	if user, _, ok := req.BasicAuth(); ok {
		return user
	}
	return ""
}

func requireAdmin(req *http.Request, resolver api.IdentityResolver) *util.JSONResponse {
	identity := callerIdentity(req)
	isAdmin, err := resolver.IsAdmin(req.Context(), identity)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("IsAdmin check failed")
		res := api.InternalServerError()
		return &res
	}
	if !isAdmin {
		return &util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: api.Forbidden("This action requires admin capability"),
		}
	}
	return nil
}

type enableRequest struct {
	Reason          string `json:"reason"`
	DurationSeconds int64  `json:"duration_seconds"`
	Mode            string `json:"mode"`
}

func enableMaintenance(req *http.Request, deps *Deps) util.JSONResponse {
	var body enableRequest
	if res := httputil.UnmarshalJSONRequest(req, &body); res != nil {
		return *res
	}
	mode := api.Mode(body.Mode)
	if body.Mode == "" {
		mode = api.ModeNormal
	}
	newStatus, err := deps.State.Enable(req.Context(), api.EnableRequest{
		Reason:          body.Reason,
		DurationSeconds: body.DurationSeconds,
		Mode:            mode,
		TriggeredBy:     callerIdentity(req),
	})
	if err != nil {
		if res := api.ErrorResponse(err); res != nil {
			return *res
		}
		util.GetLogger(req.Context()).WithError(err).Error("Enable failed")
		return api.InternalServerError()
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: newStatus}
}

func disableMaintenance(req *http.Request, deps *Deps) util.JSONResponse {
	// Emergency mode has its own exit path with explicit confirmation.
	if deps.State.CurrentSnapshot().Mode == api.ModeEmergency {
		res := api.ErrorResponse(api.ValidationError("emergency mode must be ended via deactivate with explicit confirmation"))
		return *res
	}
	newStatus, err := deps.State.Disable(req.Context(), callerIdentity(req))
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("Disable failed")
		return api.InternalServerError()
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: newStatus}
}

type emergencyRequest struct {
	Reason string `json:"reason"`
}

type emergencyResponse struct {
	EventID       string      `json:"event_id,omitempty"`
	AlreadyActive bool        `json:"already_active"`
	Status        *api.Status `json:"status"`
}

func activateEmergency(req *http.Request, deps *Deps) util.JSONResponse {
	var body emergencyRequest
	if res := httputil.UnmarshalJSONRequest(req, &body); res != nil {
		return *res
	}
	activation, err := deps.Emergency.Activate(req.Context(), body.Reason, callerIdentity(req))
	if err != nil {
		if res := api.ErrorResponse(err); res != nil {
			return *res
		}
		util.GetLogger(req.Context()).WithError(err).Error("Emergency activation failed")
		return api.InternalServerError()
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: emergencyResponse{
		EventID:       activation.EventID,
		AlreadyActive: activation.AlreadyActive,
		Status:        activation.Status,
	}}
}

type deactivateRequest struct {
	Confirm bool `json:"confirm"`
}

func deactivateEmergency(req *http.Request, deps *Deps) util.JSONResponse {
	var body deactivateRequest
	if res := httputil.UnmarshalJSONRequest(req, &body); res != nil {
		return *res
	}
	newStatus, err := deps.Emergency.Deactivate(req.Context(), body.Confirm, callerIdentity(req))
	if err != nil {
		if res := api.ErrorResponse(err); res != nil {
			return *res
		}
		util.GetLogger(req.Context()).WithError(err).Error("Deactivate failed")
		return api.InternalServerError()
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: newStatus}
}

func recentEvents(req *http.Request, deps *Deps) util.JSONResponse {
	events, err := deps.DB.SelectRecentEmergencyEvents(req.Context(), 50)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("SelectRecentEmergencyEvents failed")
		return api.InternalServerError()
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct {
		Events []api.EmergencyEvent `json:"events"`
	}{Events: events}}
}

func loginAllowed(req *http.Request, deps *Deps) util.JSONResponse {
	identity := req.URL.Query().Get("identity")
	allowed, err := deps.Sessions.IsLoginAllowed(req.Context(), identity)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("IsLoginAllowed failed")
		return api.InternalServerError()
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct {
		Allowed bool `json:"allowed"`
	}{Allowed: allowed}}
}
