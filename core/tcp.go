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

package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/thalamus/common"
	"github.com/apex/log"
)

// SessionHandler serves one accepted connection. It owns the connection and must close it
// before returning. Returning early when the context is cancelled is expected.
type SessionHandler func(ctxt context.Context, conn net.Conn)

// TCPAcceptor accepts connections on one TCP socket, running a session for each
type TCPAcceptor interface {
	// Name of the acceptor
	Name() string
	// Addr the bound listen address
	Addr() net.Addr
	// Start begin accepting connections. Accepting stops when the context is cancelled;
	// every session goroutine is tracked by wg.
	Start(ctxt context.Context, wg *sync.WaitGroup) error
	// Accepting whether the accept loop is running
	Accepting() bool
	// ActiveSessions number of sessions currently running
	ActiveSessions() int
	// TotalSessions number of connections accepted so far
	TotalSessions() uint64
	// Close release the listen socket. Needed only for an acceptor which is never started.
	Close() error
}

// tcpAcceptorImpl implements TCPAcceptor
type tcpAcceptorImpl struct {
	goutils.Component
	name      string
	listener  net.Listener
	handler   SessionHandler
	lock      sync.Mutex
	started   bool
	accepting int32
	active    int64
	total     uint64
}

// GetTCPAcceptor bind a TCP listen socket and define a TCPAcceptor around it
func GetTCPAcceptor(
	name string, config common.TCPListenerConfig, handler SessionHandler,
) (TCPAcceptor, error) {
	if handler == nil {
		return nil, fmt.Errorf("acceptor %s requires a session handler", name)
	}
	listenOn := net.JoinHostPort(config.ListenOn, strconv.Itoa(int(config.Port)))
	logTags := log.Fields{
		"module": "core", "component": "tcp-acceptor", "instance": name,
	}
	listener, err := net.Listen("tcp", listenOn)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to listen on %s", listenOn)
		return nil, err
	}
	logTags["listen_on"] = listener.Addr().String()
	return &tcpAcceptorImpl{
		Component: goutils.Component{LogTags: logTags},
		name:      name,
		listener:  listener,
		handler:   handler,
	}, nil
}

// Name of the acceptor
func (a *tcpAcceptorImpl) Name() string {
	return a.name
}

// Addr the bound listen address
func (a *tcpAcceptorImpl) Addr() net.Addr {
	return a.listener.Addr()
}

// Accepting whether the accept loop is running
func (a *tcpAcceptorImpl) Accepting() bool {
	return atomic.LoadInt32(&a.accepting) == 1
}

// ActiveSessions number of sessions currently running
func (a *tcpAcceptorImpl) ActiveSessions() int {
	return int(atomic.LoadInt64(&a.active))
}

// TotalSessions number of connections accepted so far
func (a *tcpAcceptorImpl) TotalSessions() uint64 {
	return atomic.LoadUint64(&a.total)
}

// Close release the listen socket
func (a *tcpAcceptorImpl) Close() error {
	if err := a.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Start begin accepting connections
func (a *tcpAcceptorImpl) Start(ctxt context.Context, wg *sync.WaitGroup) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.started {
		return fmt.Errorf("already started")
	}
	a.started = true
	atomic.StoreInt32(&a.accepting, 1)

	// Close the listener on shutdown to unblock Accept
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctxt.Done()
		if err := a.Close(); err != nil {
			log.WithError(err).WithFields(a.LogTags).Error("Listener close failed")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer atomic.StoreInt32(&a.accepting, 0)
		log.WithFields(a.LogTags).Info("Accepting connections")
		defer log.WithFields(a.LogTags).Info("Accept loop exiting")
		var retryDelay time.Duration
		for {
			conn, err := a.listener.Accept()
			if err != nil {
				if ctxt.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				// Back off on transient failures, e.g. out of file descriptors
				if retryDelay == 0 {
					retryDelay = time.Millisecond * 5
				} else if retryDelay *= 2; retryDelay > time.Second {
					retryDelay = time.Second
				}
				log.WithError(err).WithFields(a.LogTags).Errorf(
					"Accept failed, retrying in %s", retryDelay,
				)
				select {
				case <-ctxt.Done():
					return
				case <-time.After(retryDelay):
				}
				continue
			}
			retryDelay = 0
			atomic.AddUint64(&a.total, 1)
			atomic.AddInt64(&a.active, 1)
			log.WithFields(a.LogTags).Debugf("Accepted connection from %s", conn.RemoteAddr())
			wg.Add(1)
			go func(conn net.Conn) {
				defer wg.Done()
				defer atomic.AddInt64(&a.active, -1)
				a.handler(ctxt, conn)
			}(conn)
		}
	}()
	return nil
}
