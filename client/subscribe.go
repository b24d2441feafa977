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

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/alwitt/thalamus/codec"
	"github.com/apex/log"
)

// ErrSubscriptionRejected the relay refused the subscription request
var ErrSubscriptionRejected = errors.New("subscription rejected")

// FrameHandler process one record received from the relay. The frame excludes the
// trailing newline. Returning an error ends the subscription.
type FrameHandler func(frame []byte) error

// rejection check whether a frame is the relay's subscription rejection reply
func rejection(frame []byte) (string, bool) {
	var reply map[string]json.RawMessage
	if err := json.Unmarshal(frame, &reply); err != nil {
		return "", false
	}
	if _, ok := reply[codec.ProducerIDField]; ok {
		return "", false
	}
	raw, ok := reply["error"]
	if !ok || len(reply) != 1 {
		return "", false
	}
	var reason string
	if err := json.Unmarshal(raw, &reason); err != nil {
		return "", false
	}
	return reason, true
}

// Subscribe connect to the relay consumer port at addr, subscribe to the records of
// producerIDs, and pass every received record to handler.
//
// Returns nil when the relay closes the connection or the context is cancelled.
func Subscribe(
	ctxt context.Context, addr string, producerIDs []string, handler FrameHandler,
) error {
	if len(producerIDs) == 0 {
		return fmt.Errorf("at least one producer ID is required")
	}
	if handler == nil {
		return fmt.Errorf("frame handler is required")
	}
	logTags := log.Fields{
		"module": "client", "component": "subscriber", "instance": addr,
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctxt, "tcp", addr)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to connect to %s", addr)
		return err
	}
	defer conn.Close()

	// Unblock the pending read on cancel
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctxt.Done():
			_ = conn.Close()
		case <-readDone:
		}
	}()

	request, err := codec.EncodeFrame(codec.SubscriptionRequest{Subscribe: producerIDs})
	if err != nil {
		return err
	}
	if _, err := conn.Write(request); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to send subscription")
		return err
	}
	log.WithFields(logTags).Infof("Subscribed to %v", producerIDs)

	reader, err := codec.NewFrameReader(conn, 4096, 1<<20)
	if err != nil {
		return err
	}
	first := true
	for {
		frame, err := reader.Next()
		if err != nil {
			if errors.Is(err, codec.ErrFrameTooLarge) {
				log.WithError(err).WithFields(logTags).Warn("Skipping record")
				continue
			}
			if errors.Is(err, io.EOF) || ctxt.Err() != nil {
				return nil
			}
			log.WithError(err).WithFields(logTags).Error("Connection to relay lost")
			return err
		}
		if first {
			first = false
			if reason, ok := rejection(frame); ok {
				log.WithFields(logTags).Errorf("Relay rejected subscription: %s", reason)
				return fmt.Errorf("%w: %s", ErrSubscriptionRejected, reason)
			}
		}
		if err := handler(frame); err != nil {
			return err
		}
	}
}
