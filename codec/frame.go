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

package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Delimiter terminates every frame on the wire
const Delimiter byte = '\n'

var (
	// ErrMalformedFrame frame is not a UTF-8 JSON object
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrMissingProducerID producer record carries no usable device_id
	ErrMissingProducerID = errors.New("missing producer identifier")
	// ErrInvalidSubscription subscription request is unusable
	ErrInvalidSubscription = errors.New("invalid subscription request")
	// ErrFrameTooLarge frame grew past the size limit and was discarded
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
)

// EncodeFrame serialize a value as one newline delimited JSON frame
func EncodeFrame(v interface{}) ([]byte, error) {
	t, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(t, Delimiter), nil
}

// Terminate return the frame with exactly one trailing delimiter
func Terminate(frame []byte) []byte {
	if len(frame) > 0 && frame[len(frame)-1] == Delimiter {
		return frame
	}
	return append(frame, Delimiter)
}

// FrameReader splits a byte stream into newline delimited frames.
//
// Partial frames are held until the rest arrives; several frames in one read are returned
// one at a time before the stream is read again. Not safe for concurrent use.
type FrameReader struct {
	src      io.Reader
	readBuf  []byte
	pending  []byte
	maxFrame int
	// discarding is set while skipping the rest of an oversized frame
	discarding bool
	// unterminated allows a complete JSON value without a delimiter to count as a frame
	unterminated bool
	readErr      error
}

// NewFrameReader define new FrameReader
//
// readSize is the size of each read from src, and maxFrame is the largest frame which will
// be returned. Both must be positive.
func NewFrameReader(src io.Reader, readSize, maxFrame int) (*FrameReader, error) {
	if src == nil {
		return nil, fmt.Errorf("frame reader requires a source")
	}
	if readSize <= 0 || maxFrame <= 0 {
		return nil, fmt.Errorf("invalid frame reader sizes: read %d max %d", readSize, maxFrame)
	}
	return &FrameReader{
		src:      src,
		readBuf:  make([]byte, readSize),
		pending:  make([]byte, 0, readSize),
		maxFrame: maxFrame,
	}, nil
}

// AcceptUnterminated when enabled, buffered bytes forming a complete JSON value are
// returned as a frame even though no delimiter followed them.
func (r *FrameReader) AcceptUnterminated(enable bool) {
	r.unterminated = enable
}

// Buffered number of bytes held waiting for a delimiter
func (r *FrameReader) Buffered() int {
	return len(r.pending)
}

// Next return the next frame, without its delimiter. Blank lines are skipped.
//
// ErrFrameTooLarge is not fatal: the oversized frame is dropped and the next call continues
// with the following frame. Any other error, including io.EOF, ends the stream. A partial
// frame left at end of stream is dropped.
func (r *FrameReader) Next() ([]byte, error) {
	for {
		frame, err := r.extract()
		if err != nil {
			return nil, err
		}
		if frame != nil {
			return frame, nil
		}
		if r.readErr != nil {
			return nil, r.readErr
		}
		n, err := r.src.Read(r.readBuf)
		if n > 0 {
			r.pending = append(r.pending, r.readBuf[:n]...)
		}
		if err != nil {
			r.readErr = err
		}
	}
}

// extract pull one complete frame out of the pending buffer. Returns nil frame when more
// bytes are needed.
func (r *FrameReader) extract() ([]byte, error) {
	for {
		idx := bytes.IndexByte(r.pending, Delimiter)
		if r.discarding {
			if idx < 0 {
				r.pending = r.pending[:0]
				return nil, nil
			}
			r.pending = r.pending[idx+1:]
			r.discarding = false
			continue
		}
		if idx < 0 {
			if len(r.pending) > r.maxFrame {
				r.pending = r.pending[:0]
				r.discarding = true
				return nil, ErrFrameTooLarge
			}
			if r.unterminated && len(bytes.TrimSpace(r.pending)) > 0 && json.Valid(r.pending) {
				frame := r.take(len(r.pending), len(r.pending))
				return frame, nil
			}
			return nil, nil
		}
		if idx > r.maxFrame {
			r.pending = r.pending[idx+1:]
			return nil, ErrFrameTooLarge
		}
		frame := r.take(idx, idx+1)
		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}
		return frame, nil
	}
}

// take copy out the first frameLen bytes, and drop the first consume bytes from pending.
// The copy has room for one more byte so the delimiter can be re-attached in place.
func (r *FrameReader) take(frameLen, consume int) []byte {
	frame := make([]byte, frameLen, frameLen+1)
	copy(frame, r.pending[:frameLen])
	r.pending = r.pending[consume:]
	if len(r.pending) == 0 {
		r.pending = r.pending[:0:0]
	}
	return frame
}
