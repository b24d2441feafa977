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
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/thalamus/client"
	"github.com/alwitt/thalamus/common"
	"github.com/alwitt/thalamus/subscription"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func testRelayConfig() *common.SystemConfig {
	return &common.SystemConfig{
		Relay: common.RelayConfig{
			Producer: common.TCPListenerConfig{ListenOn: "127.0.0.1", Port: 0},
			Consumer: common.TCPListenerConfig{ListenOn: "127.0.0.1", Port: 0},
			Session: common.SessionConfig{
				ReadBufferBytes:  1024,
				MaxFrameBytes:    65536,
				OutboundQueueLen: 64,
				WriteTimeout:     5,
				SubscribeTimeout: 0,
				MalformedLogRate: 5,
			},
			StatsReportInterval: 1,
		},
		Management: common.ManagementServerConfig{
			Enabled: false,
			HTTPSetting: common.HTTPConfig{
				Server: common.HTTPServerConfig{ListenOn: "127.0.0.1", Port: 9002},
			},
			Endpoints: common.ManagementEndpointConfig{PathPrefix: "/"},
		},
	}
}

// subscribeRaw connect a consumer and wait for its subscriptions to register
func subscribeRaw(
	assert *assert.Assertions, uut *RelayServer, request string, producerIDs ...string,
) (net.Conn, *bufio.Reader) {
	before := map[string]int{}
	for _, producerID := range producerIDs {
		before[producerID] = uut.Registry().SubscriberCount(producerID)
	}
	conn, err := net.Dial("tcp", uut.ConsumerAddr().String())
	assert.Nil(err)
	_, err = conn.Write([]byte(request))
	assert.Nil(err)
	assert.Eventually(func() bool {
		for _, producerID := range producerIDs {
			if uut.Registry().SubscriberCount(producerID) != before[producerID]+1 {
				return false
			}
		}
		return true
	}, time.Second*2, time.Millisecond*5)
	return conn, bufio.NewReader(conn)
}

func readLine(assert *assert.Assertions, conn net.Conn, rx *bufio.Reader) string {
	_ = conn.SetReadDeadline(time.Now().Add(time.Second * 2))
	line, err := rx.ReadString('\n')
	assert.Nil(err)
	return line
}

func TestRelayServerRouting(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, err := DefineRelayServer(testRelayConfig(), "ut-relay")
	assert.Nil(err)
	assert.NotEqual(uut.ProducerAddr().String(), uut.ConsumerAddr().String())

	runResult := make(chan error, 1)
	go func() {
		runResult <- uut.Run(utCtxt, &wg)
	}()

	// Case 0: routing by device ID
	consumer1, rx1 := subscribeRaw(assert, uut, `{"subscribe": ["d1"]}`+"\n", "d1")
	defer consumer1.Close()
	producerA, err := net.Dial("tcp", uut.ProducerAddr().String())
	assert.Nil(err)
	defer producerA.Close()
	producerB, err := net.Dial("tcp", uut.ProducerAddr().String())
	assert.Nil(err)
	defer producerB.Close()
	{
		_, err := producerB.Write([]byte(`{"device_id":"d2","v":1}` + "\n"))
		assert.Nil(err)
		_, err = producerA.Write([]byte(`{"device_id": "d1", "v": 1, "extra": [1, {"k": null}]}` + "\n"))
		assert.Nil(err)
		assert.Equal(
			`{"device_id": "d1", "v": 1, "extra": [1, {"k": null}]}`+"\n",
			readLine(assert, consumer1, rx1),
		)
	}

	// Case 1: malformed producer line does not end the producer connection
	{
		_, err := producerA.Write([]byte("not-json\n{\"device_id\":\"d1\",\"v\":2}\n"))
		assert.Nil(err)
		assert.Equal("{\"device_id\":\"d1\",\"v\":2}\n", readLine(assert, consumer1, rx1))
	}

	// Case 2: fan-out to two consumers, each in publish order
	consumer2, rx2 := subscribeRaw(assert, uut, `{"subscribe": ["d1", "d2"]}`, "d1", "d2")
	defer consumer2.Close()
	{
		_, err := producerA.Write([]byte("{\"device_id\":\"d1\",\"v\":3}\n{\"device_id\":\"d1\",\"v\":4}\n"))
		assert.Nil(err)
		for _, line := range []string{
			"{\"device_id\":\"d1\",\"v\":3}\n", "{\"device_id\":\"d1\",\"v\":4}\n",
		} {
			assert.Equal(line, readLine(assert, consumer1, rx1))
			assert.Equal(line, readLine(assert, consumer2, rx2))
		}
		_, err = producerB.Write([]byte("{\"device_id\":\"d2\",\"v\":5}\n"))
		assert.Nil(err)
		assert.Equal("{\"device_id\":\"d2\",\"v\":5}\n", readLine(assert, consumer2, rx2))
	}

	// Case 3: a departed consumer is dropped from the registry, the other still receives
	{
		assert.Nil(consumer1.Close())
		assert.Eventually(func() bool {
			return uut.Registry().SubscriberCount("d1") == 1
		}, time.Second*2, time.Millisecond*5)
		_, err := producerA.Write([]byte("{\"device_id\":\"d1\",\"v\":6}\n"))
		assert.Nil(err)
		assert.Equal("{\"device_id\":\"d1\",\"v\":6}\n", readLine(assert, consumer2, rx2))
	}

	// Case 4: invalid subscription is rejected without registering anything
	{
		before := uut.Registry().Subscriptions()
		conn, err := net.Dial("tcp", uut.ConsumerAddr().String())
		assert.Nil(err)
		_, err = conn.Write([]byte("{\"subscribe\": \"d1\"}\n"))
		assert.Nil(err)
		reply := readLine(assert, conn, bufio.NewReader(conn))
		assert.Contains(reply, `"error"`)
		assert.Equal(before, uut.Registry().Subscriptions())
		_ = conn.Close()
	}

	// Case 5: shutdown closes every session and empties the registry
	{
		utCtxtCancel()
		select {
		case err := <-runResult:
			assert.Nil(err)
		case <-time.After(time.Second * 2):
			assert.Fail("relay did not stop")
		}
		wg.Wait()
		assert.Empty(uut.Registry().Subscriptions())
		_ = consumer2.SetReadDeadline(time.Now().Add(time.Second))
		_, err := rx2.ReadString('\n')
		assert.NotNil(err)
	}
}

func TestRelayServerWithClients(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, err := DefineRelayServer(testRelayConfig(), "ut-relay-clients")
	assert.Nil(err)
	go func() {
		assert.Nil(uut.Run(utCtxt, &wg))
	}()

	received := make(chan string, 16)
	subCtxt, subCancel := context.WithCancel(utCtxt)
	subResult := make(chan error, 1)
	go func() {
		subResult <- client.Subscribe(
			subCtxt, uut.ConsumerAddr().String(), []string{"eye"}, func(frame []byte) error {
				received <- string(frame)
				return nil
			},
		)
	}()
	assert.Eventually(func() bool {
		return uut.Registry().SubscriberCount("eye") == 1
	}, time.Second*2, time.Millisecond*5)

	source := &recordList{records: []map[string]interface{}{{"x": 1}, {"x": 2}}}
	assert.Nil(client.RunDevice(
		utCtxt, uut.ProducerAddr().String(), "eye", source, time.Millisecond,
	))
	for _, expected := range []string{
		`{"device_id":"eye","x":1}`, `{"device_id":"eye","x":2}`,
	} {
		select {
		case frame := <-received:
			assert.Equal(expected, frame)
		case <-time.After(time.Second * 2):
			assert.Fail("record not received")
		}
	}

	assert.Eventually(func() bool {
		return uut.Registry().Stats().Producers["eye"] == subscription.ProducerStats{
			Published: 2, Delivered: 2,
		}
	}, time.Second*2, time.Millisecond*5)
	assert.Nil(uut.reportStats())

	subCancel()
	select {
	case err := <-subResult:
		assert.Nil(err)
	case <-time.After(time.Second * 2):
		assert.Fail("subscriber did not stop")
	}
	assert.Eventually(func() bool {
		return uut.Registry().SubscriberCount("eye") == 0
	}, time.Second*2, time.Millisecond*5)

	// Counters go away with the last subscriber
	_, ok := uut.Registry().Stats().Producers["eye"]
	assert.False(ok)
}

func TestRelayServerBurst(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	config := testRelayConfig()
	config.Relay.Session.OutboundQueueLen = 256
	uut, err := DefineRelayServer(config, "ut-relay-burst")
	assert.Nil(err)
	go func() {
		assert.Nil(uut.Run(utCtxt, &wg))
	}()

	consumer, rx := subscribeRaw(assert, uut, `{"subscribe":["d1"]}`+"\n", "d1")
	defer consumer.Close()

	// The consumer keeps reading, though slower than the producer writes
	frameCount := 20000
	received := make(chan []string, 1)
	go func() {
		lines := make([]string, 0, frameCount)
		_ = consumer.SetReadDeadline(time.Now().Add(time.Second * 30))
		for len(lines) < frameCount {
			line, err := rx.ReadString('\n')
			if err != nil {
				break
			}
			lines = append(lines, line)
		}
		received <- lines
	}()

	producer, err := net.Dial("tcp", uut.ProducerAddr().String())
	assert.Nil(err)
	defer producer.Close()
	tx := bufio.NewWriter(producer)
	for itr := 0; itr < frameCount; itr++ {
		_, err := fmt.Fprintf(tx, `{"device_id":"d1","v":%d}`+"\n", itr)
		assert.Nil(err)
	}
	assert.Nil(tx.Flush())

	select {
	case lines := <-received:
		assert.Len(lines, frameCount)
		for itr, line := range lines {
			if !assert.Equal(fmt.Sprintf(`{"device_id":"d1","v":%d}`+"\n", itr), line) {
				break
			}
		}
	case <-time.After(time.Second * 30):
		assert.Fail("burst not received")
	}

	// The consumer was never dropped
	assert.Equal(1, uut.Registry().SubscriberCount("d1"))
	assert.Eventually(func() bool {
		return uut.Registry().Stats().Producers["d1"] == subscription.ProducerStats{
			Published: uint64(frameCount), Delivered: uint64(frameCount),
		}
	}, time.Second*2, time.Millisecond*5)
}

func TestRelayServerPortConflict(t *testing.T) {
	assert := assert.New(t)

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(err)
	defer taken.Close()

	config := testRelayConfig()
	config.Relay.Consumer.Port = uint16(taken.Addr().(*net.TCPAddr).Port)
	_, err = DefineRelayServer(config, "ut-relay-conflict")
	assert.NotNil(err)

	// Invalid config
	config = testRelayConfig()
	config.Relay.Session.OutboundQueueLen = 0
	_, err = DefineRelayServer(config, "ut-relay-invalid")
	assert.NotNil(err)
}

// recordList replays a fixed set of records
type recordList struct {
	records []map[string]interface{}
}

func (s *recordList) Next(ctxt context.Context) (map[string]interface{}, error) {
	if len(s.records) == 0 {
		return nil, io.EOF
	}
	record := s.records[0]
	s.records = s.records[1:]
	return record, nil
}
