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

	"github.com/alwitt/goutils"
	"github.com/alwitt/thalamus/codec"
	"github.com/alwitt/thalamus/common"
	"github.com/alwitt/thalamus/subscription"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// ProducerSessionStats counters of one producer session
type ProducerSessionStats struct {
	// Frames number of frames read
	Frames uint64
	// Published number of frames passed to the registry
	Published uint64
	// Dropped number of frames dropped as malformed or oversized
	Dropped uint64
}

// ProducerSession reads records from one device connection and publishes them
type ProducerSession struct {
	goutils.Component
	param    common.SessionParam
	conn     net.Conn
	registry subscription.Registry
	reader   *codec.FrameReader
	throttle *common.LogThrottle
	stats    ProducerSessionStats
}

// DefineProducerSession define a session for a newly accepted device connection
func DefineProducerSession(
	conn net.Conn, registry subscription.Registry, params SessionParams,
) (*ProducerSession, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	reader, err := codec.NewFrameReader(conn, params.ReadBufferBytes, params.MaxFrameBytes)
	if err != nil {
		return nil, err
	}
	param := common.SessionParam{
		ID: uuid.New().String(), Role: RoleProducer, Peer: conn.RemoteAddr().String(),
	}
	logTags := log.Fields{"module": "dataplane", "component": "producer-session"}
	param.UpdateLogTags(logTags)
	return &ProducerSession{
		Component: goutils.Component{LogTags: logTags},
		param:     param,
		conn:      conn,
		registry:  registry,
		reader:    reader,
		throttle:  common.NewLogThrottle(params.MalformedLogRate),
	}, nil
}

// ID the session ID
func (s *ProducerSession) ID() string {
	return s.param.ID
}

// Stats the session counters. Only stable once Run returns.
func (s *ProducerSession) Stats() ProducerSessionStats {
	return s.stats
}

// dropFrame record and, when not throttled, log a dropped frame
func (s *ProducerSession) dropFrame(err error) {
	s.stats.Dropped++
	if ok, skipped := s.throttle.Allow(); ok {
		if skipped > 0 {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Dropped frame (%d similar suppressed)", skipped,
			)
		} else {
			log.WithError(err).WithFields(s.LogTags).Error("Dropped frame")
		}
	}
}

// Run read and publish frames until the connection ends or the context is cancelled.
// The connection is closed on return.
//
// A clean end of stream returns nil.
func (s *ProducerSession) Run(ctxt context.Context) error {
	log.WithFields(s.LogTags).Info("Producer connected")
	sessionCtxt := common.WithSessionParam(ctxt, s.param)

	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		select {
		case <-ctxt.Done():
			// Unblock the pending read
			_ = s.conn.Close()
		case <-readerDone:
		}
	}()
	defer func() {
		_ = s.conn.Close()
		log.WithFields(s.LogTags).Infof(
			"Producer disconnected: frames %d published %d dropped %d",
			s.stats.Frames, s.stats.Published, s.stats.Dropped,
		)
	}()

	for {
		frame, err := s.reader.Next()
		if err != nil {
			if errors.Is(err, codec.ErrFrameTooLarge) {
				s.stats.Frames++
				s.dropFrame(err)
				continue
			}
			if errors.Is(err, io.EOF) || ctxt.Err() != nil {
				return nil
			}
			log.WithError(err).WithFields(s.LogTags).Error("Read failure")
			return fmt.Errorf("producer %s read failure: %w", s.param.ID, err)
		}
		s.stats.Frames++
		producerID, err := codec.ProducerID(frame)
		if err != nil {
			s.dropFrame(err)
			continue
		}
		// Forward the bytes exactly as received
		s.registry.Publish(sessionCtxt, producerID, codec.Terminate(frame))
		s.stats.Published++
	}
}
