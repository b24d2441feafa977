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

package dataplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/thalamus/codec"
	"github.com/alwitt/thalamus/common"
	"github.com/alwitt/thalamus/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ConsumerSession delivers subscribed records to one client connection.
//
// The session reads one subscription request, registers itself, and from then on only
// writes. Frames handed over by the registry wait in a bounded queue drained by a writer
// goroutine. A producer waits at most WriteTimeout on a full queue before the client is
// dropped.
type ConsumerSession struct {
	goutils.Component
	param    common.SessionParam
	conn     net.Conn
	registry subscription.Registry
	params   SessionParams
	validate *validator.Validate

	outbound  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	// closeReason the first reason the session was asked to stop
	closeReason error

	lock       sync.Mutex
	subscribed []string
}

// DefineConsumerSession define a session for a newly accepted client connection
func DefineConsumerSession(
	conn net.Conn,
	registry subscription.Registry,
	params SessionParams,
	validate *validator.Validate,
) (*ConsumerSession, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if validate == nil {
		validate = validator.New()
	}
	param := common.SessionParam{
		ID: uuid.New().String(), Role: RoleConsumer, Peer: conn.RemoteAddr().String(),
	}
	logTags := log.Fields{"module": "dataplane", "component": "consumer-session"}
	param.UpdateLogTags(logTags)
	return &ConsumerSession{
		Component: goutils.Component{LogTags: logTags},
		param:     param,
		conn:      conn,
		registry:  registry,
		params:    params,
		validate:  validate,
		outbound:  make(chan []byte, params.OutboundQueueLen),
		closed:    make(chan struct{}),
	}, nil
}

// SubscriberID implements subscription.Subscriber
func (s *ConsumerSession) SubscriberID() string {
	return s.param.ID
}

// Subscriptions the producer identifiers the session subscribed to
func (s *ConsumerSession) Subscriptions() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]string, len(s.subscribed))
	copy(result, s.subscribed)
	return result
}

// Deliver implements subscription.Subscriber. The frame is queued for the writer, and
// must not be modified afterwards.
//
// When the queue is full the caller waits up to WriteTimeout for room. If the queue is
// still full after that the client is too slow to keep up, and the session stops. A zero
// WriteTimeout waits until the session closes.
func (s *ConsumerSession) Deliver(frame []byte) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case s.outbound <- frame:
		return nil
	default:
	}

	var expired <-chan time.Time
	if s.params.WriteTimeout > 0 {
		timer := time.NewTimer(s.params.WriteTimeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case s.outbound <- frame:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	case <-expired:
		s.stop(ErrOutboundQueueFull)
		return ErrOutboundQueueFull
	}
}

// stop signal the session to tear down. Only the first reason is kept.
func (s *ConsumerSession) stop(reason error) {
	s.closeOnce.Do(func() {
		s.closeReason = reason
		close(s.closed)
	})
}

// readSubscription read and validate the first frame of the connection
func (s *ConsumerSession) readSubscription() (codec.SubscriptionRequest, error) {
	if s.params.SubscribeTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.params.SubscribeTimeout)); err != nil {
			return codec.SubscriptionRequest{}, err
		}
	}
	reader, err := codec.NewFrameReader(s.conn, s.params.ReadBufferBytes, s.params.MaxFrameBytes)
	if err != nil {
		return codec.SubscriptionRequest{}, err
	}
	reader.AcceptUnterminated(true)
	frame, err := reader.Next()
	if err != nil {
		if errors.Is(err, codec.ErrFrameTooLarge) {
			return codec.SubscriptionRequest{}, fmt.Errorf("%w: %s", codec.ErrInvalidSubscription, err)
		}
		return codec.SubscriptionRequest{}, err
	}
	if reader.Buffered() > 0 {
		log.WithFields(s.LogTags).Debugf(
			"Ignoring %d bytes sent after the subscription", reader.Buffered(),
		)
	}
	req, err := codec.ParseSubscriptionRequest(frame, s.validate)
	if err != nil {
		return codec.SubscriptionRequest{}, err
	}
	if s.params.SubscribeTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
			return codec.SubscriptionRequest{}, err
		}
	}
	return req, nil
}

// rejectSubscription tell the client why it is being disconnected. Best effort.
func (s *ConsumerSession) rejectSubscription(reason error) {
	reply, err := codec.EncodeFrame(map[string]string{"error": reason.Error()})
	if err != nil {
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := s.conn.Write(reply); err != nil {
		log.WithError(err).WithFields(s.LogTags).Debug("Unable to send rejection")
	}
}

// writeLoop drain the outbound queue into the connection
func (s *ConsumerSession) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case frame := <-s.outbound:
			if s.params.WriteTimeout > 0 {
				if err := s.conn.SetWriteDeadline(time.Now().Add(s.params.WriteTimeout)); err != nil {
					s.stop(err)
					return
				}
			}
			if _, err := s.conn.Write(frame); err != nil {
				s.stop(err)
				return
			}
		}
	}
}

// watchLoop block on reads only to notice the client going away
func (s *ConsumerSession) watchLoop() {
	buf := make([]byte, s.params.ReadBufferBytes)
	ignored := 0
	for {
		n, err := s.conn.Read(buf)
		ignored += n
		if err != nil {
			if ignored > 0 {
				log.WithFields(s.LogTags).Debugf("Ignored %d bytes from client", ignored)
			}
			s.stop(err)
			return
		}
	}
}

// Run handle the session until the client disconnects, delivery fails, or the context is
// cancelled. The connection is closed on return.
//
// An invalid subscription request is returned as an error wrapping
// codec.ErrInvalidSubscription; a normal disconnect returns nil.
func (s *ConsumerSession) Run(ctxt context.Context) error {
	log.WithFields(s.LogTags).Info("Consumer connected")
	defer func() { _ = s.conn.Close() }()

	// Unblock the subscription read on shutdown
	subscribeDone := make(chan struct{})
	go func() {
		select {
		case <-ctxt.Done():
			_ = s.conn.Close()
		case <-subscribeDone:
		}
	}()
	req, err := s.readSubscription()
	close(subscribeDone)
	if err != nil {
		if errors.Is(err, codec.ErrInvalidSubscription) {
			log.WithError(err).WithFields(s.LogTags).Error("Rejecting consumer")
			s.rejectSubscription(err)
			return err
		}
		if ctxt.Err() != nil || errors.Is(err, io.EOF) {
			log.WithFields(s.LogTags).Info("Consumer left before subscribing")
			return nil
		}
		log.WithError(err).WithFields(s.LogTags).Error("Failed to read subscription")
		return err
	}

	// The request is fully validated, so every identifier registers
	s.lock.Lock()
	s.subscribed = req.Subscribe
	s.lock.Unlock()
	for _, producerID := range req.Subscribe {
		if err := s.registry.Subscribe(producerID, s); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Unable to subscribe to %s", producerID)
			s.stop(err)
			s.registry.UnsubscribeAll(s)
			return err
		}
	}
	log.WithFields(s.LogTags).Infof("Consumer subscribed to %v", req.Subscribe)

	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()
	go func() {
		defer wg.Done()
		s.watchLoop()
	}()

	select {
	case <-s.closed:
	case <-ctxt.Done():
		s.stop(ctxt.Err())
	}

	removed := s.registry.UnsubscribeAll(s)
	_ = s.conn.Close()
	wg.Wait()

	reason := s.closeReason
	switch {
	case errors.Is(reason, io.EOF), errors.Is(reason, context.Canceled):
		log.WithFields(s.LogTags).Infof("Consumer disconnected, removed %d subscriptions", removed)
		return nil
	default:
		log.WithError(reason).WithFields(s.LogTags).Warnf(
			"Consumer dropped, removed %d subscriptions", removed,
		)
		return reason
	}
}
