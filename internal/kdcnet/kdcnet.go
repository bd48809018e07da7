// SPDX-License-Identifier: Apache-2.0

// Package kdcnet exchanges raw Kerberos messages with a KDC over TCP
// with a UDP fallback. TCP frames each message with a 4-byte big-endian
// length prefix; UDP sends the message as a bare datagram.
package kdcnet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// DefaultTimeout bounds a single dial-send-receive round trip when the
// caller's context carries no deadline.
const DefaultTimeout = 10 * time.Second

// Responses larger than this are treated as corrupt framing.
const maxResponseSize = 10 * 1024 * 1024

// Transport talks to a single KDC address.
type Transport struct {
	Address string
	Timeout time.Duration
}

// NewTransport returns a transport for addr. addr must carry a port.
func NewTransport(addr string) *Transport {
	return &Transport{Address: addr, Timeout: DefaultTimeout}
}

// SendAndReceive sends msg and returns the KDC's reply, preferring TCP
// and falling back to UDP when the TCP exchange fails.
func (t *Transport) SendAndReceive(ctx context.Context, msg []byte) ([]byte, error) {
	resp, tcpErr := t.sendTCP(ctx, msg)
	if tcpErr == nil {
		return resp, nil
	}

	resp, udpErr := t.sendUDP(ctx, msg)
	if udpErr == nil {
		return resp, nil
	}

	return nil, errors.Join(tcpErr, udpErr)
}

func (t *Transport) sendTCP(ctx context.Context, msg []byte) ([]byte, error) {
	dialer := &net.Dialer{Timeout: t.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return nil, fmt.Errorf("tcp connect to %s: %w", t.Address, err)
	}
	defer conn.Close()

	t.setDeadline(ctx, conn)

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(msg)))
	if _, err := conn.Write(lenBuf); err != nil {
		return nil, fmt.Errorf("tcp send to %s: %w", t.Address, err)
	}
	if _, err := conn.Write(msg); err != nil {
		return nil, fmt.Errorf("tcp send to %s: %w", t.Address, err)
	}

	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, fmt.Errorf("tcp receive from %s: %w", t.Address, err)
	}
	respLen := binary.BigEndian.Uint32(lenBuf)
	if respLen > maxResponseSize {
		return nil, fmt.Errorf("tcp receive from %s: response of %d bytes exceeds limit", t.Address, respLen)
	}

	resp := make([]byte, respLen)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return nil, fmt.Errorf("tcp receive from %s: %w", t.Address, err)
	}

	return resp, nil
}

func (t *Transport) sendUDP(ctx context.Context, msg []byte) ([]byte, error) {
	dialer := &net.Dialer{Timeout: t.Timeout}

	conn, err := dialer.DialContext(ctx, "udp", t.Address)
	if err != nil {
		return nil, fmt.Errorf("udp connect to %s: %w", t.Address, err)
	}
	defer conn.Close()

	t.setDeadline(ctx, conn)

	if _, err := conn.Write(msg); err != nil {
		return nil, fmt.Errorf("udp send to %s: %w", t.Address, err)
	}

	resp := make([]byte, 65535)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, fmt.Errorf("udp receive from %s: %w", t.Address, err)
	}

	return resp[:n], nil
}

func (t *Transport) setDeadline(ctx context.Context, conn net.Conn) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		return
	}
	conn.SetDeadline(time.Now().Add(t.Timeout))
}

// Exchange sends msg to each address in turn and returns the first
// reply. Addresses without a port get the standard Kerberos port 88.
func Exchange(ctx context.Context, addrs []string, timeout time.Duration, msg []byte) ([]byte, error) {
	if len(addrs) == 0 {
		return nil, errors.New("no KDC addresses to try")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var errs []error
	for _, addr := range addrs {
		tr := NewTransport(withDefaultPort(addr))
		tr.Timeout = timeout

		resp, err := tr.SendAndReceive(ctx, msg)
		if err == nil {
			return resp, nil
		}
		errs = append(errs, err)
	}

	return nil, errors.Join(errs...)
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return net.JoinHostPort(addr, "88")
}
