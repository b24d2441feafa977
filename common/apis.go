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

package common

import (
	"context"

	"github.com/apex/log"
)

// SessionParam is a helper object for logging a connection session's parameters
type SessionParam struct {
	// ID is the session ID
	ID string `json:"id"`
	// Role is the session role: producer or consumer
	Role string `json:"role"`
	// Peer is the remote address of the connection
	Peer string `json:"peer"`
}

// UpdateLogTags updates Apex log.Fields map with values the session's parameters
func (i *SessionParam) UpdateLogTags(tags log.Fields) {
	tags["session_id"] = i.ID
	tags["session_role"] = i.Role
	tags["peer"] = i.Peer
}

// ModifyLogMetadataBySessionParam update log metadata with info from SessionParam
// stored in the context
func ModifyLogMetadataBySessionParam(ctxt context.Context, theTags log.Fields) {
	if ctxt.Value(SessionParam{}) != nil {
		v, ok := ctxt.Value(SessionParam{}).(SessionParam)
		if ok {
			v.UpdateLogTags(theTags)
		}
	}
}

// WithSessionParam attach a SessionParam to the context
func WithSessionParam(ctxt context.Context, param SessionParam) context.Context {
	return context.WithValue(ctxt, SessionParam{}, param)
}
