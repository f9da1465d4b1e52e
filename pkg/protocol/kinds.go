// Copyright The Accel Resource Manager Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package protocol defines the fixed-layout records exchanged between
// clients and the daemon over the local socket.
//
// Every transaction is one command record sent by the client, followed by
// exactly one response record from the daemon. Bulk writes carry their
// payload after the acknowledging response, bulk reads after the read
// response. All integers are little-endian.
package protocol

import (
	"fmt"
)

// CommandKind identifies the operation requested by a command record.
type CommandKind uint32

const (
	InitiateSession CommandKind = iota
	EndSession
	RegisterReadRequest
	RegisterReadResponse
	RegisterWriteRequest
	RegisterWriteResponse
	BulkReadRequest
	BulkReadResponse
	BulkWriteRequest
	BulkWriteResponse
	QuiescenceRequest
	QuiescenceRequestResponse
	QuiescenceCheck
	QuiescenceCheckResponse

	// NumCommandKinds is the number of defined command kinds.
	NumCommandKinds = iota
)

var commandNames = [NumCommandKinds]string{
	InitiateSession:           "initiate-session",
	EndSession:                "end-session",
	RegisterReadRequest:       "register-read-request",
	RegisterReadResponse:      "register-read-response",
	RegisterWriteRequest:      "register-write-request",
	RegisterWriteResponse:     "register-write-response",
	BulkReadRequest:           "bulk-read-request",
	BulkReadResponse:          "bulk-read-response",
	BulkWriteRequest:          "bulk-write-request",
	BulkWriteResponse:         "bulk-write-response",
	QuiescenceRequest:         "quiescence-request",
	QuiescenceRequestResponse: "quiescence-request-response",
	QuiescenceCheck:           "quiescence-check",
	QuiescenceCheckResponse:   "quiescence-check-response",
}

// Valid returns true if k is a defined command kind.
func (k CommandKind) Valid() bool {
	return k < NumCommandKinds
}

// SessionScoped returns true if the command refers to an existing session.
func (k CommandKind) SessionScoped() bool {
	return k != InitiateSession
}

func (k CommandKind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("command-kind-%d", uint32(k))
	}
	return commandNames[k]
}

// ErrorKind is the status reported in a response record.
type ErrorKind uint32

const (
	Success ErrorKind = iota
	Retry
	ZeroSizeTransfer
	AlignmentFailure
	ProtectionFailure
	AppTypeUnknown
	InvalidSession
	Timeout
	TransportFailure
	InvalidRequest
	QuiescenceUnavailable
	Unknown

	// NumErrorKinds is the number of defined error kinds.
	NumErrorKinds = iota
)

var errorNames = [NumErrorKinds]string{
	Success:               "success",
	Retry:                 "retry",
	ZeroSizeTransfer:      "zero-size-transfer",
	AlignmentFailure:      "alignment-failure",
	ProtectionFailure:     "protection-failure",
	AppTypeUnknown:        "app-type-unknown",
	InvalidSession:        "invalid-session",
	Timeout:               "timeout",
	TransportFailure:      "transport-failure",
	InvalidRequest:        "invalid-request",
	QuiescenceUnavailable: "quiescence-unavailable",
	Unknown:               "unknown",
}

func (e ErrorKind) String() string {
	if e >= NumErrorKinds {
		return fmt.Sprintf("error-kind-%d", uint32(e))
	}
	return errorNames[e]
}

// Error implements error so an ErrorKind can be returned and wrapped directly.
func (e ErrorKind) Error() string {
	return "protocol: " + e.String()
}
