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

package knock

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/carverauto/knockseq/pkg/logger"
	"github.com/carverauto/knockseq/pkg/models"
)

// Knocker performs a single knock attempt. The retry policy and scheduler
// only depend on this interface.
type Knocker interface {
	Knock(ctx context.Context, spec models.KnockSpec) models.AttemptResult
}

// Executor is the real network Knocker. One socket is opened and closed per
// attempt; nothing outlives the call besides the result.
type Executor struct {
	logger logger.Logger
}

var _ Knocker = (*Executor)(nil)

func NewExecutor(log logger.Logger) *Executor {
	return &Executor{logger: log}
}

const (
	// Source ports for UDP knocks are randomized per attempt within the
	// classic Linux ephemeral range.
	ephemeralPortLow  = 32768
	ephemeralPortHigh = 61000

	udpBindAttempts = 4
	udpReadBufSize  = 1500 // one MTU, enough for any knock reply
)

func (e *Executor) Knock(ctx context.Context, spec models.KnockSpec) models.AttemptResult {
	// No attempt may touch the network once shutdown has been observed.
	if err := ctx.Err(); err != nil {
		return models.AttemptResult{
			Port:     spec.Port,
			Protocol: spec.Protocol,
			Kind:     models.KindCancelled,
			Err:      err,
		}
	}

	if spec.Protocol == models.ProtoUDP {
		return e.knockUDP(ctx, spec)
	}

	return e.knockTCP(ctx, spec)
}

// knockTCP attempts one connection. Success is an established connection,
// closed immediately; no data is exchanged.
func (e *Executor) knockTCP(ctx context.Context, spec models.KnockSpec) models.AttemptResult {
	result := models.AttemptResult{
		Port:     spec.Port,
		Protocol: spec.Protocol,
	}

	attemptCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	start := time.Now()

	var dialer net.Dialer

	conn, err := dialer.DialContext(attemptCtx, "tcp", spec.Address())
	result.Elapsed = time.Since(start)

	if err != nil {
		result.Kind, result.Err = classify(ctx, err)

		e.logger.Debug().
			Err(err).
			Uint16("port", spec.Port).
			Str("kind", string(result.Kind)).
			Msg("tcp knock attempt failed")

		return result
	}

	if err := conn.Close(); err != nil {
		e.logger.Debug().Err(err).Uint16("port", spec.Port).Msg("failed to close connection")
	}

	result.Kind = models.KindSuccess

	return result
}

// knockUDP binds a randomized ephemeral source port, sends the payload and
// waits up to the attempt timeout for any reply. Silence is still a success:
// UDP scanning is blind and the engine claims nothing about port state.
func (e *Executor) knockUDP(ctx context.Context, spec models.KnockSpec) models.AttemptResult {
	result := models.AttemptResult{
		Port:     spec.Port,
		Protocol: spec.Protocol,
	}

	start := time.Now()

	conn, err := e.bindUDP(spec)
	if err != nil {
		result.Elapsed = time.Since(start)
		result.Kind, result.Err = classify(ctx, err)

		return result
	}
	defer conn.Close()

	if _, err := conn.Write(spec.Payload); err != nil {
		result.Elapsed = time.Since(start)
		result.Kind, result.Err = classify(ctx, err)

		e.logger.Debug().
			Err(err).
			Uint16("port", spec.Port).
			Str("kind", string(result.Kind)).
			Msg("udp send failed")

		return result
	}

	if err := conn.SetReadDeadline(time.Now().Add(spec.Timeout)); err != nil {
		result.Elapsed = time.Since(start)
		result.Kind = models.KindOtherIOError
		result.Err = err

		return result
	}

	// Registered after the read deadline is set so a shutdown poke can never
	// be overwritten; fires immediately if ctx is already done.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, udpReadBufSize)

	n, err := conn.Read(buf)
	result.Elapsed = time.Since(start)

	switch {
	case err == nil:
		// Any datagram, even an empty one, counts as a response.
		result.Kind = models.KindSuccessWithResponse
		result.Response = append([]byte{}, buf[:n]...)
	case ctx.Err() != nil:
		result.Kind = models.KindCancelled
		result.Err = ctx.Err()
	case isTimeout(err):
		// Send completed, no reply before the deadline.
		result.Kind = models.KindSuccess
	case errors.Is(err, syscall.ECONNREFUSED):
		// Kernel-surfaced ICMP port unreachable on the connected socket.
		result.Kind = models.KindConnectionRefused
		result.Err = err
	default:
		result.Kind, result.Err = classify(ctx, err)
	}

	e.logger.Debug().
		Uint16("port", spec.Port).
		Str("kind", string(result.Kind)).
		Int("response_bytes", len(result.Response)).
		Msg("udp knock attempt finished")

	return result
}

// bindUDP connects a UDP socket from a randomized source port, falling back
// to a kernel-assigned port if the random picks collide.
func (e *Executor) bindUDP(spec models.KnockSpec) (*net.UDPConn, error) {
	network := "udp4"
	if spec.Target.IsIPv6() {
		network = "udp6"
	}

	raddr := &net.UDPAddr{IP: spec.Target.IP, Port: int(spec.Port)}

	var lastErr error

	for i := 0; i < udpBindAttempts; i++ {
		laddr := &net.UDPAddr{Port: ephemeralPortLow + rand.Intn(ephemeralPortHigh-ephemeralPortLow)}

		conn, err := net.DialUDP(network, laddr, raddr)
		if err == nil {
			return conn, nil
		}

		lastErr = err
	}

	conn, err := net.DialUDP(network, nil, raddr)
	if err != nil {
		if lastErr != nil {
			return nil, lastErr
		}

		return nil, err
	}

	return conn, nil
}

// classify maps a transport error onto the closed outcome taxonomy. The
// parent context is consulted first so shutdown never masquerades as an
// ordinary timeout.
func classify(ctx context.Context, err error) (models.ResultKind, error) {
	switch {
	case ctx.Err() != nil:
		return models.KindCancelled, ctx.Err()
	case isTimeout(err):
		return models.KindTimedOut, err
	case errors.Is(err, syscall.ECONNREFUSED):
		return models.KindConnectionRefused, err
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return models.KindNetworkUnreachable, err
	default:
		return models.KindOtherIOError, err
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
