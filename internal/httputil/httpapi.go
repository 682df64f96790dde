// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
)

var apiRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "caretaker",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Time spent processing each HTTP request",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"handler"},
)

var registerHTTPMetrics sync.Once

func init() {
	registerHTTPMetrics.Do(func() {
		prometheus.MustRegister(apiRequestDuration)
	})
}

// MakeExternalAPI turns a util.JSONRequestHandler function into an
// http.Handler with standard request logging.
func MakeExternalAPI(metricsName string, f func(*http.Request) util.JSONResponse) http.Handler {
	h := util.MakeJSONAPI(util.NewJSONRequestHandler(f))
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		h.ServeHTTP(w, req)
		apiRequestDuration.WithLabelValues(metricsName).Observe(time.Since(start).Seconds())
	})
}

// MakeHTTPAPI wraps a plain http handler with an optional pre-flight check
// and per-handler duration metrics. A non-nil response from checkFunc is
// written instead of invoking the handler.
func MakeHTTPAPI(metricsName string, checkFunc func(*http.Request) *util.JSONResponse, enableMetrics bool, f func(http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		if checkFunc != nil {
			if res := checkFunc(req); res != nil {
				WriteJSONResponse(w, *res)
				return
			}
		}
		f(w, req)
		if enableMetrics {
			apiRequestDuration.WithLabelValues(metricsName).Observe(time.Since(start).Seconds())
		}
	})
}

// BasicAuth is an HTTP basic auth credential pair. The guard is disabled
// unless both values are set.
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// WrapHandlerInBasicAuth adds basic auth to a handler. Only used for the
// admin endpoints, in addition to the identity resolver's admin check.
func WrapHandlerInBasicAuth(h http.Handler, b BasicAuth) http.HandlerFunc {
	if b.Username == "" || b.Password == "" {
		return h.ServeHTTP
	}
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(b.Username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(b.Password)) == 1
		if !ok || !userOK || !passOK {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	}
}
