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
	"fmt"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// ProducerIDField is the record field carrying the producer identifier
const ProducerIDField = "device_id"

// routingHeader is the only part of a producer record the relay looks at
type routingHeader struct {
	DeviceID json.RawMessage `json:"device_id"`
}

// checkObject verify the frame is UTF-8 text holding a JSON object
func checkObject(frame []byte) error {
	if !utf8.Valid(frame) {
		return fmt.Errorf("%w: not UTF-8", ErrMalformedFrame)
	}
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: not a JSON object", ErrMalformedFrame)
	}
	return nil
}

// ProducerID extract the producer identifier from a producer record frame.
//
// Only the device_id field is decoded; the rest of the record is left untouched.
func ProducerID(frame []byte) (string, error) {
	if err := checkObject(frame); err != nil {
		return "", err
	}
	var header routingHeader
	if err := json.Unmarshal(frame, &header); err != nil {
		return "", fmt.Errorf("%w: %s", ErrMalformedFrame, err.Error())
	}
	if len(header.DeviceID) == 0 || bytes.Equal(header.DeviceID, []byte("null")) {
		return "", fmt.Errorf("%w: no %s field", ErrMissingProducerID, ProducerIDField)
	}
	var producerID string
	if err := json.Unmarshal(header.DeviceID, &producerID); err != nil {
		return "", fmt.Errorf("%w: %s is not a string", ErrMissingProducerID, ProducerIDField)
	}
	if producerID == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrMissingProducerID, ProducerIDField)
	}
	return producerID, nil
}

// SubscriptionRequest is the one frame a consumer sends after connecting
type SubscriptionRequest struct {
	// Subscribe is the list of producer identifiers to receive records from
	Subscribe []string `json:"subscribe" validate:"required,min=1,dive,required"`
}

// ParseSubscriptionRequest parse and validate a subscription request frame.
//
// The whole request is checked before it is returned, so a caller never acts on part of a
// bad request. Repeated identifiers are collapsed, keeping first-seen order.
func ParseSubscriptionRequest(
	frame []byte, validate *validator.Validate,
) (SubscriptionRequest, error) {
	if err := checkObject(frame); err != nil {
		return SubscriptionRequest{}, fmt.Errorf("%w: %s", ErrInvalidSubscription, err.Error())
	}
	var req SubscriptionRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		return SubscriptionRequest{}, fmt.Errorf("%w: %s", ErrInvalidSubscription, err.Error())
	}
	if err := validate.Struct(&req); err != nil {
		return SubscriptionRequest{}, fmt.Errorf("%w: %s", ErrInvalidSubscription, err.Error())
	}
	seen := make(map[string]bool, len(req.Subscribe))
	unique := make([]string, 0, len(req.Subscribe))
	for _, producerID := range req.Subscribe {
		if seen[producerID] {
			continue
		}
		seen[producerID] = true
		unique = append(unique, producerID)
	}
	req.Subscribe = unique
	return req, nil
}
