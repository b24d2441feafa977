// Copyright 2021-2022 The thalamus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"fmt"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/thalamus/common"
	"github.com/alwitt/thalamus/core"
	"github.com/alwitt/thalamus/subscription"
	"github.com/apex/log"
)

// APIRestRelayManagementHandler REST handler for inspecting a running relay
type APIRestRelayManagementHandler struct {
	goutils.RestAPIHandler
	registry  subscription.Registry
	listeners []core.TCPAcceptor
}

// GetAPIRestRelayManagementHandler define APIRestRelayManagementHandler
func GetAPIRestRelayManagementHandler(
	registry subscription.Registry,
	listeners []core.TCPAcceptor,
	httpConfig *common.HTTPConfig,
) (APIRestRelayManagementHandler, error) {
	if registry == nil {
		return APIRestRelayManagementHandler{}, fmt.Errorf("relay management requires a registry")
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "relay-management",
	}
	return APIRestRelayManagementHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		}, registry: registry, listeners: listeners,
	}, nil
}

// -----------------------------------------------------------------------

// APIRestRespSubscriptions response for listing the current subscriptions
type APIRestRespSubscriptions struct {
	goutils.RestAPIBaseResponse
	// Subscriptions subscriber session IDs mapped against the producer ID they follow
	Subscriptions map[string][]string `json:"subscriptions"`
}

// GetSubscriptions godoc
// @Summary Query the current subscriptions
// @Description Lists the consumer sessions subscribed to each producer ID
// @tags Management
// @Produce json
// @Param Thalamus-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespSubscriptions "success"
// @Failure 404 {string} string "error"
// @Header 200 {string} Thalamus-Request-ID "Request ID to match against logs"
// @Router /v1/subscriptions [get]
func (h APIRestRelayManagementHandler) GetSubscriptions(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespSubscriptions{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Subscriptions: h.registry.Subscriptions(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetSubscriptionsHandler Wrapper around GetSubscriptions
func (h APIRestRelayManagementHandler) GetSubscriptionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetSubscriptions(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespListener state of one relay listener
type APIRestRespListener struct {
	// Name of the listener
	Name string `json:"name"`
	// Address the listener is bound to
	Address string `json:"address"`
	// Accepting whether the listener is accepting connections
	Accepting bool `json:"accepting"`
	// ActiveSessions number of connections currently served
	ActiveSessions int `json:"active_sessions"`
	// TotalSessions number of connections accepted since start
	TotalSessions uint64 `json:"total_sessions"`
}

// APIRestRespStats response for the relay counters
type APIRestRespStats struct {
	goutils.RestAPIBaseResponse
	// Listeners state of each relay listener
	Listeners []APIRestRespListener `json:"listeners"`
	// Registry subscription registry counters
	Registry subscription.RegistryStats `json:"registry"`
}

// GetStats godoc
// @Summary Query the relay counters
// @Description Reports the listener states, and the per producer ID delivery counters
// @tags Management
// @Produce json
// @Param Thalamus-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespStats "success"
// @Failure 404 {string} string "error"
// @Header 200 {string} Thalamus-Request-ID "Request ID to match against logs"
// @Router /v1/stats [get]
func (h APIRestRelayManagementHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	listeners := make([]APIRestRespListener, 0, len(h.listeners))
	for _, listener := range h.listeners {
		listeners = append(listeners, APIRestRespListener{
			Name:           listener.Name(),
			Address:        listener.Addr().String(),
			Accepting:      listener.Accepting(),
			ActiveSessions: listener.ActiveSessions(),
			TotalSessions:  listener.TotalSessions(),
		})
	}
	resp := APIRestRespStats{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Listeners: listeners, Registry: h.registry.Stats(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetStatsHandler Wrapper around GetStats
func (h APIRestRelayManagementHandler) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStats(w, r)
	}
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For relay liveness check
// @Description Will return success to indicate the relay process is live
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 404 {string} string "error"
// @Router /v1/alive [get]
func (h APIRestRelayManagementHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestRelayManagementHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For relay readiness check
// @Description Will return success once both the producer and consumer listeners accept connections
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestRelayManagementHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	for _, listener := range h.listeners {
		if !listener.Accepting() {
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(
				r.Context(),
				http.StatusInternalServerError,
				msg,
				fmt.Sprintf("listener %s is not accepting", listener.Name()),
			)
			return
		}
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestRelayManagementHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
