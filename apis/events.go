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
	"encoding/json"
	"net/http"

	"github.com/acornchat/gateway/common"
	"github.com/acornchat/gateway/dispatch"
	"github.com/acornchat/gateway/memberlist"
	"github.com/acornchat/gateway/presence"
	"github.com/acornchat/gateway/relay"
	"github.com/acornchat/gateway/storage"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// Membership change event names
const (
	eventGuildCreate       = "GUILD_CREATE"
	eventGuildDelete       = "GUILD_DELETE"
	eventGuildMemberAdd    = "GUILD_MEMBER_ADD"
	eventGuildMemberRemove = "GUILD_MEMBER_REMOVE"
)

// APIRestEventsHandler REST handler for the node internal event distribution
// API. REST workers on the same node publish through these endpoints; remote
// nodes go through the federation bus instead.
type APIRestEventsHandler struct {
	goutils.RestAPIHandler
	dispatcher dispatch.Dispatcher
	registry   dispatch.SessionRegistry
	members    memberlist.Manager
	presences  presence.Tracker
	store      storage.Backend
	validate   *validator.Validate
}

// GetAPIRestEventsHandler define APIRestEventsHandler
func GetAPIRestEventsHandler(
	httpConfig *common.HTTPConfig,
	dispatcher dispatch.Dispatcher,
	registry dispatch.SessionRegistry,
	members memberlist.Manager,
	presences presence.Tracker,
	store storage.Backend,
) (APIRestEventsHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "events",
	}
	return APIRestEventsHandler{
		RestAPIHandler: buildRestAPIHandler(logTags, httpConfig),
		dispatcher:     dispatcher,
		registry:       registry,
		members:        members,
		presences:      presences,
		store:          store,
		validate:       validator.New(),
	}, nil
}

// =======================================================================
// Generic publish

// -----------------------------------------------------------------------

// Publish godoc
// @Summary Publish an event
// @Description Distribute one event to local sessions selected by the
// command's scope
// @tags Events
// @Accept json
// @Produce json
// @Param Acornchat-Request-ID header string false "User provided request ID to match against logs"
// @Param command body relay.PublishCommand true "Publish command"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/internal/publish [post]
func (h APIRestEventsHandler) Publish(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var command relay.PublishCommand
	if err := json.NewDecoder(r.Body).Decode(&command); err != nil {
		msg := "Unable to parse publish command"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&command); err != nil {
		msg := "Invalid publish command"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := relay.ApplyPublishCommand(r.Context(), h.dispatcher, command); err != nil {
		msg := "Publish failed"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// PublishHandler Wrapper around Publish
func (h APIRestEventsHandler) PublishHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Publish(w, r)
	}
}

// =======================================================================
// Guild membership flows

// -----------------------------------------------------------------------

// GuildJoin godoc
// @Summary Process a guild join
// @Description Subscribe the joining user's sessions to the guild and
// announce the membership, as one ordered flow
// @tags Events
// @Produce json
// @Param Acornchat-Request-ID header string false "User provided request ID to match against logs"
// @Param guildID path string true "Guild ID"
// @Param userID path string true "Joining user ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/internal/guild/{guildID}/member/{userID} [post]
func (h APIRestEventsHandler) GuildJoin(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	guildID, userID := vars["guildID"], vars["userID"]

	user, err := h.store.GetUser(r.Context(), userID)
	if err != nil {
		msg := "Unknown user"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	guildTopic := dispatch.Topic{Kind: dispatch.KindGuild, ID: guildID}
	memberAdd := map[string]interface{}{
		"guild_id": guildID, "user": user,
	}
	guildCreate := map[string]interface{}{"id": guildID}

	steps := []dispatch.OrderedStep{
		{
			Op: dispatch.StepPublishToUser, UserID: userID,
			EventName: eventGuildCreate, Payload: guildCreate,
		},
	}
	for _, record := range h.registry.SessionsOfUser(userID) {
		steps = append(steps, dispatch.OrderedStep{
			Op: dispatch.StepSubscribe, Topic: guildTopic, SessionID: record.SessionID,
		})
	}
	steps = append(steps, dispatch.OrderedStep{
		Op: dispatch.StepPublish, Topic: guildTopic,
		EventName: eventGuildMemberAdd, Payload: memberAdd,
	})

	if err := h.dispatcher.PublishOrdered(r.Context(), guildTopic, steps); err != nil {
		msg := "Guild join flow failed"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	entry := memberlist.MemberEntry{
		UserID:      userID,
		DisplayName: user.Username,
		Status:      h.presences.CurrentStatus(userID),
	}
	if err := h.members.HandleMemberAdd(r.Context(), guildID, entry); err != nil {
		log.WithError(err).WithFields(localLogTags).Warnf(
			"Member list insert failed for guild %s", guildID,
		)
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// GuildJoinHandler Wrapper around GuildJoin
func (h APIRestEventsHandler) GuildJoinHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GuildJoin(w, r)
	}
}

// -----------------------------------------------------------------------

// GuildLeave godoc
// @Summary Process a guild leave
// @Description Notify the leaving user, detach their sessions from the
// guild, then announce the departure, as one ordered flow. The ordering
// guarantees the leaver never sees guild events past the removal, and other
// members never see the leaver's private removal notice.
// @tags Events
// @Produce json
// @Param Acornchat-Request-ID header string false "User provided request ID to match against logs"
// @Param guildID path string true "Guild ID"
// @Param userID path string true "Leaving user ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/internal/guild/{guildID}/member/{userID} [delete]
func (h APIRestEventsHandler) GuildLeave(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	guildID, userID := vars["guildID"], vars["userID"]

	guildTopic := dispatch.Topic{Kind: dispatch.KindGuild, ID: guildID}
	guildDelete := map[string]interface{}{"id": guildID}
	memberRemove := map[string]interface{}{
		"guild_id": guildID, "user": map[string]interface{}{"id": userID},
	}

	steps := []dispatch.OrderedStep{
		{
			Op: dispatch.StepPublishToUser, UserID: userID,
			EventName: eventGuildDelete, Payload: guildDelete,
		},
	}
	for _, record := range h.registry.SessionsOfUser(userID) {
		steps = append(steps, dispatch.OrderedStep{
			Op: dispatch.StepUnsubscribe, Topic: guildTopic, SessionID: record.SessionID,
		})
	}
	steps = append(steps, dispatch.OrderedStep{
		Op: dispatch.StepPublish, Topic: guildTopic,
		EventName: eventGuildMemberRemove, Payload: memberRemove,
	})

	if err := h.dispatcher.PublishOrdered(r.Context(), guildTopic, steps); err != nil {
		msg := "Guild leave flow failed"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	if err := h.members.HandleMemberRemove(r.Context(), guildID, userID); err != nil {
		log.WithError(err).WithFields(localLogTags).Warnf(
			"Member list removal failed for guild %s", guildID,
		)
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// GuildLeaveHandler Wrapper around GuildLeave
func (h APIRestEventsHandler) GuildLeaveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GuildLeave(w, r)
	}
}
