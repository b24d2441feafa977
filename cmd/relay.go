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

package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/thalamus/apis"
	"github.com/alwitt/thalamus/common"
	"github.com/alwitt/thalamus/core"
	"github.com/alwitt/thalamus/dataplane"
	"github.com/alwitt/thalamus/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RelayServer the relay broker: a subscription registry fed by the producer listener and
// drained by the consumer listener
type RelayServer struct {
	goutils.Component
	config    *common.SystemConfig
	instance  string
	registry  subscription.Registry
	params    dataplane.SessionParams
	validate  *validator.Validate
	producers core.TCPAcceptor
	consumers core.TCPAcceptor
}

// DefineRelayServer define a new relay server, binding both the producer and consumer
// listen sockets
func DefineRelayServer(config *common.SystemConfig, instance string) (*RelayServer, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid relay config")
		return nil, err
	}

	registry, err := subscription.DefineRegistry(instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription registry")
		return nil, err
	}

	server := &RelayServer{
		Component: goutils.Component{LogTags: logTags},
		config:    config,
		instance:  instance,
		registry:  registry,
		params:    dataplane.SessionParamsFromConfig(config.Relay.Session),
		validate:  validate,
	}

	server.producers, err = core.GetTCPAcceptor(
		"producer", config.Relay.Producer, server.serveProducer,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define producer listener")
		return nil, err
	}
	server.consumers, err = core.GetTCPAcceptor(
		"consumer", config.Relay.Consumer, server.serveConsumer,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define consumer listener")
		_ = server.producers.Close()
		return nil, err
	}
	return server, nil
}

// Registry the subscription registry of the relay
func (s *RelayServer) Registry() subscription.Registry {
	return s.registry
}

// ProducerAddr the address devices connect to
func (s *RelayServer) ProducerAddr() net.Addr {
	return s.producers.Addr()
}

// ConsumerAddr the address clients connect to
func (s *RelayServer) ConsumerAddr() net.Addr {
	return s.consumers.Addr()
}

// serveProducer handle one device connection
func (s *RelayServer) serveProducer(ctxt context.Context, conn net.Conn) {
	session, err := dataplane.DefineProducerSession(conn, s.registry, s.params)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to define producer session")
		_ = conn.Close()
		return
	}
	if err := session.Run(ctxt); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Producer session %s failed", session.ID())
	}
}

// serveConsumer handle one client connection
func (s *RelayServer) serveConsumer(ctxt context.Context, conn net.Conn) {
	session, err := dataplane.DefineConsumerSession(conn, s.registry, s.params, s.validate)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to define consumer session")
		_ = conn.Close()
		return
	}
	if err := session.Run(ctxt); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Consumer session %s ended with error", session.SubscriberID(),
		)
	}
}

// reportStats log the registry counters
func (s *RelayServer) reportStats() error {
	stats := s.registry.Stats()
	var published, delivered, failed uint64
	for _, counters := range stats.Producers {
		published += counters.Published
		delivered += counters.Delivered
		failed += counters.Failed
	}
	log.WithFields(s.LogTags).Infof(
		"Producers %d subscribers %d: published %d delivered %d failed %d",
		len(stats.Producers), stats.Subscribers, published, delivered, failed,
	)
	return nil
}

// defineManagementServer build the management HTTP server
func (s *RelayServer) defineManagementServer() (*http.Server, error) {
	mgmtConfig := s.config.Management
	httpHandler, err := apis.GetAPIRestRelayManagementHandler(
		s.registry, []core.TCPAcceptor{s.producers, s.consumers}, &mgmtConfig.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to define HTTP handler")
		return nil, err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, mgmtConfig.Endpoints.PathPrefix, nil)
	v1Router := apis.RegisterPathPrefix(mainRouter, "/v1", nil)

	_ = apis.RegisterPathPrefix(v1Router, "/subscriptions", map[string]http.HandlerFunc{
		"get": httpHandler.GetSubscriptionsHandler(),
	})
	_ = apis.RegisterPathPrefix(v1Router, "/stats", map[string]http.HandlerFunc{
		"get": httpHandler.GetStatsHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(v1Router, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(v1Router, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	serverCfg := mgmtConfig.HTTPSetting.Server
	return &http.Server{
		Addr:         net.JoinHostPort(serverCfg.ListenOn, strconv.Itoa(int(serverCfg.Port))),
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}, nil
}

// Run operate the relay until the context is cancelled. Session goroutines are tracked
// by wg; the caller waits on it to drain the sessions after Run returns.
func (s *RelayServer) Run(ctxt context.Context, wg *sync.WaitGroup) error {
	if err := s.producers.Start(ctxt, wg); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start producer listener")
		return err
	}
	if err := s.consumers.Start(ctxt, wg); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start consumer listener")
		return err
	}
	log.WithFields(s.LogTags).Infof(
		"Relay accepting devices on %s and clients on %s", s.ProducerAddr(), s.ConsumerAddr(),
	)

	if s.config.Relay.StatsReportInterval > 0 {
		timer, err := common.GetIntervalTimerInstance(ctxt, wg, fmt.Sprintf("%s-stats", s.instance))
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Unable to define stats timer")
			return err
		}
		if err := timer.Start(
			time.Second*time.Duration(s.config.Relay.StatsReportInterval), s.reportStats, false,
		); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Unable to start stats timer")
			return err
		}
	}

	var httpSrv *http.Server
	if s.config.Management.Enabled {
		var err error
		if httpSrv, err = s.defineManagementServer(); err != nil {
			return err
		}
		// Start the server
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).WithFields(s.LogTags).Error("HTTP Server Failure")
			}
		}()
		log.WithFields(s.LogTags).Infof("Started HTTP server on http://%s", httpSrv.Addr)
	}

	<-ctxt.Done()

	// Stop the HTTP server
	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failure during HTTP shutdown")
		}
	}
	log.WithFields(s.LogTags).Info("Relay stopping")
	return nil
}

// RunRelayServer run the relay until the context is cancelled, then wait for every session
// to finish
func RunRelayServer(
	config *common.SystemConfig, instance string, runtimeContext context.Context,
) error {
	server, err := DefineRelayServer(config, instance)
	if err != nil {
		return err
	}
	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(runtimeContext)
	defer cancel()
	return server.Run(ctxt, &wg)
}
