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
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/knockseq/pkg/logger"
	"github.com/carverauto/knockseq/pkg/models"
)

func loopbackTarget() models.Target {
	return models.Target{Host: "127.0.0.1", IP: net.ParseIP("127.0.0.1")}
}

func tcpSpec(port uint16, timeout time.Duration) models.KnockSpec {
	return models.KnockSpec{
		Target:   loopbackTarget(),
		Port:     port,
		Protocol: models.ProtoTCP,
		Timeout:  timeout,
	}
}

func udpSpec(port uint16, timeout time.Duration, payload []byte) models.KnockSpec {
	return models.KnockSpec{
		Target:   loopbackTarget(),
		Port:     port,
		Protocol: models.ProtoUDP,
		Timeout:  timeout,
		Payload:  payload,
	}
}

// closedTCPPort reserves a port and closes the listener so the port is
// known-closed when the test runs.
func closedTCPPort(t *testing.T) uint16 {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, ln.Close())

	return port
}

func TestExecutorTCPSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			conn.Close()
		}
	}()

	executor := NewExecutor(logger.NewTestLogger())
	port := uint16(ln.Addr().(*net.TCPAddr).Port)

	result := executor.Knock(context.Background(), tcpSpec(port, 2*time.Second))

	assert.Equal(t, models.KindSuccess, result.Kind)
	assert.NoError(t, result.Err)
	assert.Equal(t, port, result.Port)
}

func TestExecutorTCPConnectionRefused(t *testing.T) {
	executor := NewExecutor(logger.NewTestLogger())
	port := closedTCPPort(t)

	result := executor.Knock(context.Background(), tcpSpec(port, 2*time.Second))

	assert.Equal(t, models.KindConnectionRefused, result.Kind)
	assert.Error(t, result.Err)
}

func TestExecutorTCPCancelled(t *testing.T) {
	executor := NewExecutor(logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := executor.Knock(ctx, tcpSpec(closedTCPPort(t), 2*time.Second))

	assert.Equal(t, models.KindCancelled, result.Kind)
}

func TestExecutorUDPSuccessWithResponse(t *testing.T) {
	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	defer server.Close()

	received := make(chan []byte, 1)

	go func() {
		buf := make([]byte, 1500)

		n, addr, err := server.ReadFromUDP(buf)
		if err != nil {
			return
		}

		received <- append([]byte{}, buf[:n]...)

		_, _ = server.WriteToUDP([]byte("pong"), addr)
	}()

	executor := NewExecutor(logger.NewTestLogger())
	port := uint16(server.LocalAddr().(*net.UDPAddr).Port)
	payload := []byte{0xde, 0xad, 0xbe, 0xef}

	result := executor.Knock(context.Background(), udpSpec(port, 2*time.Second, payload))

	require.Equal(t, models.KindSuccessWithResponse, result.Kind)
	assert.Equal(t, []byte("pong"), result.Response)

	select {
	case got := <-received:
		assert.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the datagram")
	}
}

func TestExecutorUDPSilenceIsSuccess(t *testing.T) {
	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	defer server.Close()

	executor := NewExecutor(logger.NewTestLogger())
	port := uint16(server.LocalAddr().(*net.UDPAddr).Port)

	result := executor.Knock(context.Background(), udpSpec(port, 100*time.Millisecond, nil))

	assert.Equal(t, models.KindSuccess, result.Kind)
	assert.Empty(t, result.Response)
	assert.NoError(t, result.Err)
}

func TestExecutorUDPClosedPort(t *testing.T) {
	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	port := uint16(server.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, server.Close())

	executor := NewExecutor(logger.NewTestLogger())

	result := executor.Knock(context.Background(), udpSpec(port, time.Second, []byte{0x01}))

	assert.Equal(t, models.KindConnectionRefused, result.Kind)
}

func TestExecutorUDPCancelledSendsNothing(t *testing.T) {
	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	defer server.Close()

	received := make(chan struct{}, 1)

	go func() {
		buf := make([]byte, 64)

		if _, _, err := server.ReadFromUDP(buf); err == nil {
			received <- struct{}{}
		}
	}()

	executor := NewExecutor(logger.NewTestLogger())
	port := uint16(server.LocalAddr().(*net.UDPAddr).Port)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := executor.Knock(ctx, udpSpec(port, time.Second, []byte{0x01, 0x02}))

	assert.Equal(t, models.KindCancelled, result.Kind)
	require.Error(t, result.Err)

	select {
	case <-received:
		t.Fatal("datagram was sent after cancellation")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestExecutorUDPSourcePortIsEphemeral(t *testing.T) {
	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	defer server.Close()

	sources := make(chan int, 1)

	go func() {
		buf := make([]byte, 64)

		for {
			_, addr, err := server.ReadFromUDP(buf)
			if err != nil {
				return
			}

			sources <- addr.Port
		}
	}()

	executor := NewExecutor(logger.NewTestLogger())
	port := uint16(server.LocalAddr().(*net.UDPAddr).Port)

	executor.Knock(context.Background(), udpSpec(port, 50*time.Millisecond, []byte{0x01}))

	select {
	case src := <-sources:
		assert.GreaterOrEqual(t, src, ephemeralPortLow)
		assert.Less(t, src, ephemeralPortHigh)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the datagram")
	}
}

func TestClassify(t *testing.T) {
	ctx := context.Background()

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want models.ResultKind
	}{
		{name: "cancelled context wins", ctx: cancelled, err: syscall.ECONNREFUSED, want: models.KindCancelled},
		{name: "deadline exceeded", ctx: ctx, err: context.DeadlineExceeded, want: models.KindTimedOut},
		{name: "connection refused", ctx: ctx, err: syscall.ECONNREFUSED, want: models.KindConnectionRefused},
		{name: "network unreachable", ctx: ctx, err: syscall.ENETUNREACH, want: models.KindNetworkUnreachable},
		{name: "host unreachable", ctx: ctx, err: syscall.EHOSTUNREACH, want: models.KindNetworkUnreachable},
		{name: "anything else", ctx: ctx, err: syscall.EPIPE, want: models.KindOtherIOError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, err := classify(tt.ctx, tt.err)
			assert.Equal(t, tt.want, kind)
			assert.Error(t, err)
		})
	}
}
