/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package models provides data models for the knock engine.
package models

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Protocol identifies the transport used for a knock.
type Protocol string

const (
	ProtoTCP Protocol = "tcp"
	ProtoUDP Protocol = "udp"
)

// ParseProtocol parses a protocol name, case-insensitively.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToLower(s)) {
	case ProtoTCP:
		return ProtoTCP, nil
	case ProtoUDP:
		return ProtoUDP, nil
	default:
		return "", fmt.Errorf("%w: unknown protocol %q", ErrInvalidConfig, s)
	}
}

// Target is the resolved destination shared by every knock in a run.
// It is created once by the resolver and never mutated afterwards.
type Target struct {
	Host string // original host string as configured
	IP   net.IP // single resolved address
}

func (t Target) String() string {
	if t.Host == t.IP.String() {
		return t.Host
	}

	return fmt.Sprintf("%s (%s)", t.Host, t.IP)
}

// IsIPv6 reports whether the resolved address is an IPv6 address.
func (t Target) IsIPv6() bool {
	return t.IP.To4() == nil
}

// KnockSpec describes one knock: a single sequence position against one port.
// A spec is consumed by exactly one executor invocation plus its retries.
type KnockSpec struct {
	Target   Target
	Port     uint16
	Seq      int // position in the configured sequence, zero-based
	Protocol Protocol
	Timeout  time.Duration
	Payload  []byte // UDP datagram body, nil or empty for TCP
}

// Address returns the dialable host:port form of the spec's destination.
func (s KnockSpec) Address() string {
	return net.JoinHostPort(s.Target.IP.String(), strconv.Itoa(int(s.Port)))
}

// ResultKind classifies what a knock attempt (or a whole knock, post-retry)
// produced. The set is closed; unclassified transport failures land on
// KindOtherIOError with the underlying error preserved.
type ResultKind string

const (
	KindSuccess             ResultKind = "success"
	KindSuccessWithResponse ResultKind = "success_with_response"
	KindTimedOut            ResultKind = "timed_out"
	KindConnectionRefused   ResultKind = "connection_refused"
	KindNetworkUnreachable  ResultKind = "network_unreachable"
	KindCancelled           ResultKind = "cancelled"
	KindOtherIOError        ResultKind = "io_error"
)

// OK reports whether the kind counts as a completed knock. Silence after a
// UDP send is a plain success: the engine makes no claim about port state.
func (k ResultKind) OK() bool {
	return k == KindSuccess || k == KindSuccessWithResponse
}

// AttemptResult is the outcome of a single network attempt.
type AttemptResult struct {
	Port     uint16
	Protocol Protocol
	Attempt  int // 1-based attempt number within the retry loop
	Kind     ResultKind
	Response []byte // captured UDP reply, if any
	Err      error
	Elapsed  time.Duration
}

// Outcome is the final per-sequence-position record after retries.
type Outcome struct {
	Port     uint16
	Seq      int
	Protocol Protocol
	Attempts int
	Kind     ResultKind
	Response []byte
	Err      error
	Elapsed  time.Duration
}
