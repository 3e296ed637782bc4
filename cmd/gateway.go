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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/acornchat/gateway/apis"
	"github.com/acornchat/gateway/common"
	"github.com/acornchat/gateway/core"
	"github.com/acornchat/gateway/dispatch"
	"github.com/acornchat/gateway/gateway"
	"github.com/acornchat/gateway/memberlist"
	"github.com/acornchat/gateway/presence"
	"github.com/acornchat/gateway/relay"
	"github.com/acornchat/gateway/storage"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// sessionSweepInterval cadence of the session reap pass
const sessionSweepInterval = time.Second * 15

// restLogWriter forwards access log lines into the app logger
type restLogWriter struct {
	logTags log.Fields
}

func (w restLogWriter) Write(p []byte) (n int, err error) {
	log.WithFields(w.logTags).Infof("%s", p)
	return len(p), nil
}

// RunGatewayServer assemble the distribution engine and run the gateway server
func RunGatewayServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	mongoClient *mongo.Client,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	// -------------------------------------------------------------------
	// Assemble the distribution engine

	topics, err := dispatch.GetTopicRegistry(config.Gateway.Dispatch.TopicShards)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define topic registry")
		return err
	}
	sessions, err := dispatch.GetSessionRegistry(config.Gateway.Dispatch.SessionShards)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session registry")
		return err
	}
	dispatcher, err := dispatch.GetDispatcher(
		topics, sessions, config.Gateway.Dispatch.OrderedFlowLocks,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatcher")
		return err
	}

	store, err := storage.GetMongoBackend(mongoClient, config.Mongo.Database)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define storage backend")
		return err
	}

	// The roster loader and the presence tracker reference each other; the
	// tracker variable is bound before any connection is served
	var presences presence.Tracker
	rosterLoader := func(ctxt context.Context, guildID string) ([]memberlist.MemberEntry, error) {
		members, err := store.GetGuildMembers(ctxt, guildID)
		if err != nil {
			return nil, err
		}
		entries := make([]memberlist.MemberEntry, 0, len(members))
		for _, member := range members {
			displayName := member.Nick
			if displayName == "" {
				user, err := store.GetUser(ctxt, member.UserID)
				if err != nil {
					return nil, err
				}
				displayName = user.Username
			}
			entries = append(entries, memberlist.MemberEntry{
				UserID:      member.UserID,
				DisplayName: displayName,
				Status:      presences.CurrentStatus(member.UserID),
			})
		}
		return entries, nil
	}
	members, err := memberlist.GetManager(dispatcher, rosterLoader)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define member list manager")
		return err
	}

	reachFinder := func(ctxt context.Context, userID string) ([]presence.GuildReach, error) {
		user, err := store.GetUser(ctxt, userID)
		if err != nil {
			return nil, err
		}
		guilds, err := store.GetUserGuilds(ctxt, userID)
		if err != nil {
			return nil, err
		}
		reach := make([]presence.GuildReach, 0, len(guilds))
		for _, guildID := range guilds {
			reach = append(reach, presence.GuildReach{
				GuildID: guildID, DisplayName: user.Username,
			})
		}
		return reach, nil
	}
	presences, err = presence.GetTracker(dispatcher, members, reachFinder)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define presence tracker")
		return err
	}

	sessionHandler, err := gateway.GetSessionHandler(
		config.Gateway.Session, dispatcher, sessions, store, members, presences,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session handler")
		return err
	}

	supervisor, err := gateway.GetSupervisor(
		runTimeContext, wg, config.Gateway.Session,
		dispatcher, sessions, members, presences,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session supervisor")
		return err
	}
	if err := supervisor.Start(sessionSweepInterval); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start session supervisor")
		return err
	}

	ingest, err := relay.GetRelay(runTimeContext, *natsClient, dispatcher, config.NATS)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define federation relay")
		return err
	}
	if err := ingest.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start federation relay")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	httpCfg := &config.Server.HTTPSetting
	gatewayHandler, err := apis.GetAPIRestGatewayHandler(
		localCtxt, natsClient, httpCfg, sessionHandler, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define gateway HTTP handler")
		return err
	}
	eventsHandler, err := apis.GetAPIRestEventsHandler(
		httpCfg, dispatcher, sessions, members, presences, store,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define events HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Server.Endpoints.PathPrefix, nil)

	// Client socket
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/gateway", map[string]http.HandlerFunc{
		"get": gatewayHandler.ConnectHandler(),
	})

	// Node internal event distribution
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/internal/publish", map[string]http.HandlerFunc{
		"post": eventsHandler.PublishHandler(),
	})
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/internal/guild/{guildID}/member/{userID}",
		map[string]http.HandlerFunc{
			"post":   eventsHandler.GuildJoinHandler(),
			"delete": eventsHandler.GuildLeaveHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/alive", map[string]http.HandlerFunc{
		"get": gatewayHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ready", map[string]http.HandlerFunc{
		"get": gatewayHandler.ReadyHandler(),
	})

	// Add logging
	accessLog := restLogWriter{logTags: logTags}
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLog, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", httpCfg.Server.ListenOn, httpCfg.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(httpCfg.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(httpCfg.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(httpCfg.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started gateway server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		shutdownCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	// Stop the background workers
	{
		stopCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := ingest.Stop(stopCtxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during relay shutdown")
		}
	}
	if err := supervisor.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during supervisor shutdown")
	}

	return nil
}
