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
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/thalamus/common"
)

const (
	// RoleProducer session role of a device connection
	RoleProducer = "producer"
	// RoleConsumer session role of a client connection
	RoleConsumer = "consumer"
)

var (
	// ErrSessionClosed the consumer session is shutting down
	ErrSessionClosed = errors.New("session closed")
	// ErrOutboundQueueFull the consumer is not keeping up with its subscriptions
	ErrOutboundQueueFull = errors.New("outbound queue full")
)

// SessionParams runtime parameters shared by all sessions
type SessionParams struct {
	// ReadBufferBytes size of each socket read
	ReadBufferBytes int
	// MaxFrameBytes largest accepted frame
	MaxFrameBytes int
	// OutboundQueueLen frames which can wait for one consumer
	OutboundQueueLen int
	// WriteTimeout max time to write one frame to a consumer, and max time a producer waits
	// on a full consumer queue. Zero disables both.
	WriteTimeout time.Duration
	// SubscribeTimeout max time a consumer has to send its subscription. Zero disables.
	SubscribeTimeout time.Duration
	// MalformedLogRate max malformed frame log lines per second per session
	MalformedLogRate int
}

// SessionParamsFromConfig convert the session config into SessionParams
func SessionParamsFromConfig(cfg common.SessionConfig) SessionParams {
	return SessionParams{
		ReadBufferBytes:  cfg.ReadBufferBytes,
		MaxFrameBytes:    cfg.MaxFrameBytes,
		OutboundQueueLen: cfg.OutboundQueueLen,
		WriteTimeout:     time.Second * time.Duration(cfg.WriteTimeout),
		SubscribeTimeout: time.Second * time.Duration(cfg.SubscribeTimeout),
		MalformedLogRate: cfg.MalformedLogRate,
	}
}

// validate check the parameters are usable
func (p SessionParams) validate() error {
	if p.ReadBufferBytes <= 0 || p.MaxFrameBytes < p.ReadBufferBytes {
		return fmt.Errorf(
			"invalid frame sizes: read %d max %d", p.ReadBufferBytes, p.MaxFrameBytes,
		)
	}
	if p.OutboundQueueLen <= 0 {
		return fmt.Errorf("invalid outbound queue length %d", p.OutboundQueueLen)
	}
	if p.MalformedLogRate <= 0 {
		return fmt.Errorf("invalid malformed frame log rate %d", p.MalformedLogRate)
	}
	return nil
}
