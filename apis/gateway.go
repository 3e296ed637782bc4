// Copyright 2024-2026 The acornchat Authors
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
	"context"
	"net/http"
	"sync"

	"github.com/acornchat/gateway/common"
	"github.com/acornchat/gateway/core"
	"github.com/acornchat/gateway/gateway"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
)

// APIRestGatewayHandler REST handler exposing the client facing socket
// endpoint and health checks
type APIRestGatewayHandler struct {
	goutils.RestAPIHandler
	natsClient  *core.NatsClient
	sessions    gateway.SessionHandler
	upgrader    websocket.Upgrader
	baseContext context.Context
	wg          *sync.WaitGroup
}

// GetAPIRestGatewayHandler define APIRestGatewayHandler
func GetAPIRestGatewayHandler(
	baseContext context.Context,
	client *core.NatsClient,
	httpConfig *common.HTTPConfig,
	sessions gateway.SessionHandler,
	wg *sync.WaitGroup,
) (APIRestGatewayHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "gateway",
	}
	return APIRestGatewayHandler{
		RestAPIHandler: buildRestAPIHandler(logTags, httpConfig),
		natsClient:     client,
		sessions:       sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin enforcement happens at the edge proxy
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// =======================================================================
// Client socket

// -----------------------------------------------------------------------

// Connect godoc
// @Summary Open a client event socket
// @Description Upgrade to a websocket and run the session protocol on it
// @tags Gateway
// @Param Acornchat-Request-ID header string false "User provided request ID to match against logs"
// @Success 101 {string} string "protocol switch"
// @Failure 400 {string} string "error"
// @Router /v1/gateway [get]
func (h APIRestGatewayHandler) Connect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}

	conn := gateway.WrapWebsocket(wsConn)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.sessions.Handle(h.baseContext, conn); err != nil {
			log.WithError(err).WithFields(localLogTags).Info("Session ended with error")
		}
	}()
}

// ConnectHandler Wrapper around Connect
func (h APIRestGatewayHandler) ConnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Connect(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For gateway REST API liveness check
// @Description Will return success to indicate gateway REST API module is live
// @tags Gateway
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/alive [get]
func (h APIRestGatewayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestGatewayHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For gateway REST API readiness check
// @Description Will return success if gateway REST API module is ready for use
// @tags Gateway
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestGatewayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.natsClient.NATs().Status() == nats.CONNECTED {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestGatewayHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
