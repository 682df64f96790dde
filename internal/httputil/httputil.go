// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"encoding/json"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/matrix-org/util"

	"github.com/element-hq/caretaker/maintenance/api"
)

// UnmarshalJSONRequest into the given interface pointer. Returns an error JSON
// response if there was a problem unmarshalling. Calling this function
// consumes the request body.
func UnmarshalJSONRequest(req *http.Request, iface interface{}) *util.JSONResponse {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("io.ReadAll failed")
		res := api.InternalServerError()
		return &res
	}

	return UnmarshalJSON(body, iface)
}

func UnmarshalJSON(body []byte, iface interface{}) *util.JSONResponse {
	if !utf8.Valid(body) {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: api.BadJSON("Body contains invalid UTF-8"),
		}
	}

	if err := json.Unmarshal(body, iface); err != nil {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: api.BadJSON("The request body could not be decoded into valid JSON. " + err.Error()),
		}
	}
	return nil
}

// WriteJSONResponse writes a util.JSONResponse to the wire, including any
// extra headers. Used where a handler cannot go through MakeExternalAPI,
// e.g. inside middleware.
func WriteJSONResponse(w http.ResponseWriter, res util.JSONResponse) {
	body, err := json.Marshal(res.JSON)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	for key, value := range res.Headers {
		w.Header().Set(key, value)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Code)
	_, _ = w.Write(body)
}
