// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// Binary protocol message types for the remote transport: a
// length-prefixed header, u16 message type, and request id wrapping a
// blind byte-range object protocol.
const (
	msgRead     uint16 = 1
	msgWrite    uint16 = 2
	msgCommit   uint16 = 3
	msgListDir  uint16 = 4
	msgCreateDir uint16 = 5
	msgRemove   uint16 = 6
	msgRemoveAll uint16 = 7
	msgMetadata uint16 = 8
	msgError    uint16 = 255
)

// Default dial and per-request timeouts.
const (
	DefaultDialTimeout    = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// conn is a single TCP (optionally TLS) connection speaking the remote
// transport's binary envelope protocol. It is the low-level counterpart
// to Remote, which adds retry and request queuing on top.
type conn struct {
	nc      net.Conn
	reqID   atomic.Uint64
	timeout time.Duration
}

func dial(addr string, useTLS bool, dialTimeout, requestTimeout time.Duration) (*conn, error) {
	var nc net.Conn
	var err error
	if useTLS {
		d := &net.Dialer{Timeout: dialTimeout}
		nc, err = tls.DialWithDialer(d, "tcp", addr, &tls.Config{})
	} else {
		nc, err = net.DialTimeout("tcp", addr, dialTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return &conn{nc: nc, timeout: requestTimeout}, nil
}

func (c *conn) Close() error { return c.nc.Close() }

// frame is one message exchanged over the wire.
type frame struct {
	msgType uint16
	reqID   uint64
	payload []byte
}

func (c *conn) send(ctx context.Context, msgType uint16, payload []byte) (*frame, error) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.nc.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("transport: set deadline: %w", err)
	}
	defer func() { _ = c.nc.SetDeadline(time.Time{}) }()

	reqID := c.reqID.Add(1)
	if err := c.writeFrame(msgType, reqID, payload); err != nil {
		return nil, err
	}

	resp, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	if resp.msgType == msgError {
		return nil, parseWireError(resp.payload)
	}
	return resp, nil
}

func (c *conn) writeFrame(msgType uint16, reqID uint64, payload []byte) error {
	header := &bytes.Buffer{}
	_ = binary.Write(header, binary.LittleEndian, uint32(len(payload)))
	_ = binary.Write(header, binary.LittleEndian, msgType)
	_ = binary.Write(header, binary.LittleEndian, uint16(0)) // flags, reserved
	_ = binary.Write(header, binary.LittleEndian, reqID)

	_, err := c.nc.Write(append(header.Bytes(), payload...))
	return err
}

func (c *conn) readFrame() (*frame, error) {
	header := make([]byte, 16)
	if _, err := io.ReadFull(c.nc, header); err != nil {
		return nil, fmt.Errorf("transport: read header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	msgType := binary.LittleEndian.Uint16(header[4:6])
	reqID := binary.LittleEndian.Uint64(header[8:16])

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.nc, payload); err != nil {
		return nil, fmt.Errorf("transport: read payload: %w", err)
	}

	return &frame{msgType: msgType, reqID: reqID, payload: payload}, nil
}

// wireError is the payload shape of a msgError response: u32 kind, u32
// detail length, then the detail string.
type wireError struct {
	Kind   ErrorKind
	Detail string
}

func (e *wireError) Error() string {
	return fmt.Sprintf("transport: remote error (%s): %s", e.Kind, e.Detail)
}

func parseWireError(payload []byte) error {
	if len(payload) < 8 {
		return &wireError{Kind: Other, Detail: "malformed error frame"}
	}
	kind := ErrorKind(binary.LittleEndian.Uint32(payload[0:4]))
	detailLen := binary.LittleEndian.Uint32(payload[4:8])
	detail := ""
	if int(detailLen) <= len(payload)-8 {
		detail = string(payload[8 : 8+detailLen])
	}
	return &wireError{Kind: kind, Detail: detail}
}

var errShortFrame = errors.New("transport: response frame too short")
