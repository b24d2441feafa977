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
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/alwitt/thalamus/codec"
	"github.com/apex/log"
)

// RunDevice connect to the relay producer port at addr, and send every record of source
// as a record of deviceID, pausing interval between records.
//
// Returns nil once source is exhausted or the context is cancelled.
func RunDevice(
	ctxt context.Context,
	addr string,
	deviceID string,
	source RecordSource,
	interval time.Duration,
) error {
	if deviceID == "" {
		return fmt.Errorf("device ID is required")
	}
	logTags := log.Fields{
		"module": "client", "component": "device", "instance": deviceID,
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctxt, "tcp", addr)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to connect to %s", addr)
		return err
	}
	defer conn.Close()
	log.WithFields(logTags).Infof("Connected to %s", addr)

	sent := 0
	defer func() {
		log.WithFields(logTags).Infof("Sent %d records", sent)
	}()
	for {
		record, err := source.Next(ctxt)
		if err != nil {
			if errors.Is(err, io.EOF) || ctxt.Err() != nil {
				return nil
			}
			log.WithError(err).WithFields(logTags).Error("Record source failed")
			return err
		}
		record[codec.ProducerIDField] = deviceID
		frame, err := codec.EncodeFrame(record)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to encode record")
			return err
		}
		if _, err := conn.Write(frame); err != nil {
			if ctxt.Err() != nil {
				return nil
			}
			log.WithError(err).WithFields(logTags).Error("Connection to relay lost")
			return err
		}
		sent++
		if interval > 0 {
			select {
			case <-ctxt.Done():
				return nil
			case <-time.After(interval):
			}
		}
	}
}
