// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package interceptor

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/caretaker/internal/httputil"
	"github.com/element-hq/caretaker/maintenance/api"
	"github.com/element-hq/caretaker/maintenance/classifier"
)

var (
	requestsAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "caretaker",
			Subsystem: "interceptor",
			Name:      "requests_allowed",
			Help:      "Total number of requests allowed through the maintenance gate",
		},
		[]string{"operation", "mode"},
	)
	requestsDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "caretaker",
			Subsystem: "interceptor",
			Name:      "requests_denied",
			Help:      "Total number of requests denied by the maintenance gate",
		},
		[]string{"operation", "mode"},
	)
	requestsSimulated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "caretaker",
			Subsystem: "interceptor",
			Name:      "requests_simulated",
			Help:      "Total number of requests that would have been denied under test mode",
		},
		[]string{"operation"},
	)
)

var registerInterceptorMetrics sync.Once

func init() {
	registerInterceptorMetrics.Do(func() {
		prometheus.MustRegister(requestsAllowed, requestsDenied, requestsSimulated)
	})
}

// SnapshotSource yields the latest published maintenance status. Implemented
// by the state service; reads are lock-free.
type SnapshotSource interface {
	CurrentSnapshot() *api.Status
}

// Decision is the outcome of intercepting one request.
type Decision struct {
	Allowed   bool
	Operation api.OperationType
	// Denial is set when Allowed is false and carries the structured payload
	// returned to the caller.
	Denial *api.DenyPayload
}

// Interceptor is the per-request synchronous gate consulted by the host
// request pipeline. It performs no I/O: classification is pure and the status
// snapshot is already resident in memory.
type Interceptor struct {
	classifier *classifier.Classifier
	policy     *api.BlockingPolicy
	source     SnapshotSource
}

func New(c *classifier.Classifier, policy *api.BlockingPolicy, source SnapshotSource) *Interceptor {
	return &Interceptor{
		classifier: c,
		policy:     policy,
		source:     source,
	}
}

// Intercept classifies the request and decides whether it may proceed. Admin
// requesters are allowed unconditionally. Test mode allows everything but
// records what a real maintenance window would have denied.
func (i *Interceptor) Intercept(path, method string, requesterIsAdmin bool) Decision {
	operation := i.classifier.Classify(path, method)
	status := i.source.CurrentSnapshot()

	if requesterIsAdmin {
		requestsAllowed.WithLabelValues(string(operation), string(status.Mode)).Inc()
		return Decision{Allowed: true, Operation: operation}
	}

	if status.Mode == api.ModeTest {
		if i.policy.IsBlocked(api.ModeNormal, operation) {
			requestsSimulated.WithLabelValues(string(operation)).Inc()
			logrus.WithFields(logrus.Fields{
				"path":      path,
				"method":    method,
				"operation": operation,
			}).Debug("Test maintenance mode: request would have been blocked")
		}
		requestsAllowed.WithLabelValues(string(operation), string(status.Mode)).Inc()
		return Decision{Allowed: true, Operation: operation}
	}

	if !i.policy.IsBlocked(status.Mode, operation) {
		requestsAllowed.WithLabelValues(string(operation), string(status.Mode)).Inc()
		return Decision{Allowed: true, Operation: operation}
	}

	requestsDenied.WithLabelValues(string(operation), string(status.Mode)).Inc()
	denial := &api.DenyPayload{
		ErrCode:   api.ErrCodeMaintenanceActive,
		Error:     "The service is undergoing maintenance and cannot process this request right now.",
		Mode:      status.Mode,
		Reason:    status.Reason,
		Operation: operation,
	}
	if completion, ok := status.EstimatedCompletion(); ok {
		denial.EstimatedCompletion = completion.UTC().Format(time.RFC3339)
		if remaining := time.Until(completion); remaining > 0 {
			denial.RetryAfterSeconds = int64(remaining.Seconds()) + 1
		}
	}
	return Decision{Allowed: false, Operation: operation, Denial: denial}
}

// AdminChecker reports whether the request was made by an admin. The host
// pipeline supplies this; typically it resolves the authenticated identity
// via the external identity resolver.
type AdminChecker func(req *http.Request) bool

// Middleware returns a mux-compatible middleware enforcing the gate on every
// request that passes through it. Denied requests receive HTTP 503 with the
// structured payload and, when an estimate is known, a Retry-After header.
func (i *Interceptor) Middleware(isAdmin AdminChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			decision := i.Intercept(req.URL.Path, req.Method, isAdmin != nil && isAdmin(req))
			if decision.Allowed {
				next.ServeHTTP(w, req)
				return
			}
			res := util.JSONResponse{
				Code: http.StatusServiceUnavailable,
				JSON: decision.Denial,
			}
			if decision.Denial.RetryAfterSeconds > 0 {
				res.Headers = map[string]string{
					"Retry-After": strconv.FormatInt(decision.Denial.RetryAfterSeconds, 10),
				}
			}
			httputil.WriteJSONResponse(w, res)
		})
	}
}
