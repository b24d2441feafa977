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
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alwitt/goutils"
	"github.com/alwitt/thalamus/common"
	"github.com/alwitt/thalamus/core"
	"github.com/alwitt/thalamus/subscription"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

type testSubscriber struct {
	id string
}

func (s *testSubscriber) SubscriberID() string {
	return s.id
}

func (s *testSubscriber) Deliver(frame []byte) error {
	return nil
}

func TestRelayManagement(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	registry, err := subscription.DefineRegistry("ut-apis")
	assert.Nil(err)

	idle := func(ctxt context.Context, conn net.Conn) {
		_ = conn.Close()
	}
	producers, err := core.GetTCPAcceptor(
		"producer", common.TCPListenerConfig{ListenOn: "127.0.0.1", Port: 0}, idle,
	)
	assert.Nil(err)
	consumers, err := core.GetTCPAcceptor(
		"consumer", common.TCPListenerConfig{ListenOn: "127.0.0.1", Port: 0}, idle,
	)
	assert.Nil(err)

	// Case 0: missing registry
	{
		_, err := GetAPIRestRelayManagementHandler(nil, nil, &common.HTTPConfig{})
		assert.NotNil(err)
	}

	uut, err := GetAPIRestRelayManagementHandler(
		registry, []core.TCPAcceptor{producers, consumers}, &common.HTTPConfig{
			Logging: common.HTTPRequestLogging{RequestIDHeader: "Thalamus-Request-ID"},
		},
	)
	assert.Nil(err)

	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, "/", nil)
	v1Router := RegisterPathPrefix(mainRouter, "/v1", nil)
	_ = RegisterPathPrefix(v1Router, "/alive", MethodHandlers{"get": uut.AliveHandler()})
	_ = RegisterPathPrefix(v1Router, "/ready", MethodHandlers{"get": uut.ReadyHandler()})
	_ = RegisterPathPrefix(
		v1Router, "/subscriptions", MethodHandlers{"get": uut.GetSubscriptionsHandler()},
	)
	_ = RegisterPathPrefix(v1Router, "/stats", MethodHandlers{"get": uut.GetStatsHandler()})

	call := func(path string) *httptest.ResponseRecorder {
		req, err := http.NewRequest("GET", path, nil)
		assert.Nil(err)
		req.Header.Add("Thalamus-Request-ID", uuid.NewString())
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		return respRecorder
	}

	// Case 1: alive, but not ready before the listeners start
	{
		resp := call("/v1/alive")
		assert.Equal(http.StatusOK, resp.Code)
		var msg goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Success)

		resp = call("/v1/ready")
		assert.Equal(http.StatusInternalServerError, resp.Code)
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.False(msg.Success)
	}

	// Case 2: ready once both listeners accept
	{
		assert.Nil(producers.Start(utCtxt, &wg))
		assert.Nil(consumers.Start(utCtxt, &wg))
		resp := call("/v1/ready")
		assert.Equal(http.StatusOK, resp.Code)
	}

	// Case 3: list subscriptions
	sub1 := &testSubscriber{id: uuid.NewString()}
	sub2 := &testSubscriber{id: uuid.NewString()}
	{
		resp := call("/v1/subscriptions")
		assert.Equal(http.StatusOK, resp.Code)
		var msg APIRestRespSubscriptions
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Empty(msg.Subscriptions)

		assert.Nil(registry.Subscribe("d1", sub1))
		assert.Nil(registry.Subscribe("d1", sub2))
		assert.Nil(registry.Subscribe("d2", sub2))
		resp = call("/v1/subscriptions")
		assert.Equal(http.StatusOK, resp.Code)
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.Len(msg.Subscriptions["d1"], 2)
		assert.Equal([]string{sub2.id}, msg.Subscriptions["d2"])
	}

	// Case 4: relay stats
	{
		assert.Equal(2, registry.Publish(utCtxt, "d1", []byte("{\"device_id\":\"d1\"}\n")))
		resp := call("/v1/stats")
		assert.Equal(http.StatusOK, resp.Code)
		var msg APIRestRespStats
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Len(msg.Listeners, 2)
		assert.Equal("producer", msg.Listeners[0].Name)
		assert.True(msg.Listeners[0].Accepting)
		assert.Equal(producers.Addr().String(), msg.Listeners[0].Address)
		assert.Equal("consumer", msg.Listeners[1].Name)
		assert.Equal(2, msg.Registry.Subscribers)
		assert.Equal(uint64(1), msg.Registry.Producers["d1"].Published)
		assert.Equal(uint64(2), msg.Registry.Producers["d1"].Delivered)
	}

	// Case 5: not ready after shutdown
	{
		utCtxtCancel()
		wg.Wait()
		resp := call("/v1/ready")
		assert.Equal(http.StatusInternalServerError, resp.Code)
	}
}
