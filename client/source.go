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
	"os"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/thalamus/codec"
	"github.com/apex/log"
)

// RecordSource produces the records a device sends
type RecordSource interface {
	// Next return the next record. io.EOF marks the end of the records.
	Next(ctxt context.Context) (map[string]interface{}, error)
}

// NDJSONFileSource replays the JSON objects of a newline delimited file
type NDJSONFileSource struct {
	goutils.Component
	path     string
	loop     bool
	maxFrame int
	lock     sync.Mutex
	file     *os.File
	reader   *codec.FrameReader
	// replayed number of records returned during the current pass over the file
	replayed int
}

// DefineNDJSONFileSource define a NDJSONFileSource. When loop is set, the file is replayed
// from the start once the end is reached.
func DefineNDJSONFileSource(path string, loop bool, maxFrame int) (*NDJSONFileSource, error) {
	if maxFrame <= 0 {
		return nil, fmt.Errorf("invalid max record size %d", maxFrame)
	}
	logTags := log.Fields{
		"module": "client", "component": "ndjson-source", "instance": path,
	}
	file, err := os.Open(path)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open record file")
		return nil, err
	}
	source := &NDJSONFileSource{
		Component: goutils.Component{LogTags: logTags},
		path:      path,
		loop:      loop,
		maxFrame:  maxFrame,
		file:      file,
	}
	if err := source.rewind(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return source, nil
}

// rewind restart reading from the beginning of the file
func (s *NDJSONFileSource) rewind() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader, err := codec.NewFrameReader(s.file, 4096, s.maxFrame)
	if err != nil {
		return err
	}
	// The final record may lack a newline
	reader.AcceptUnterminated(true)
	s.reader = reader
	s.replayed = 0
	return nil
}

// Next return the next record of the file. Lines which are not JSON objects are skipped.
func (s *NDJSONFileSource) Next(ctxt context.Context) (map[string]interface{}, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for {
		if err := ctxt.Err(); err != nil {
			return nil, err
		}
		frame, err := s.reader.Next()
		if err != nil {
			if errors.Is(err, codec.ErrFrameTooLarge) {
				log.WithError(err).WithFields(s.LogTags).Warn("Skipping record")
				continue
			}
			if errors.Is(err, io.EOF) && s.loop && s.replayed > 0 {
				log.WithFields(s.LogTags).Debug("Replaying from the start")
				if err := s.rewind(); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}
		record := map[string]interface{}{}
		if err := json.Unmarshal(frame, &record); err != nil {
			log.WithError(err).WithFields(s.LogTags).Warn("Skipping malformed record")
			continue
		}
		s.replayed++
		return record, nil
	}
}

// Close release the file
func (s *NDJSONFileSource) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.file.Close()
}
