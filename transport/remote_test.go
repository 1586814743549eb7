// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeServer is a minimal in-memory implementation of the remote wire
// protocol, backed by a Local transport, used to exercise Remote without
// a real object-store service.
type fakeServer struct {
	ln   net.Listener
	back *Local

	mu     sync.Mutex
	closed bool
}

func startFakeServer(t *testing.T) (*fakeServer, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &fakeServer{ln: ln, back: NewLocal(t.TempDir())}
	go s.serve()
	t.Cleanup(func() { s.Close() })
	return s, ln.Addr().String()
}

func (s *fakeServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.ln.Close()
	}
}

func (s *fakeServer) serve() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(c)
	}
}

func (s *fakeServer) handle(nc net.Conn) {
	defer nc.Close()
	ctx := context.Background()
	for {
		header := make([]byte, 16)
		if _, err := io.ReadFull(nc, header); err != nil {
			return
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		msgType := binary.LittleEndian.Uint16(header[4:6])
		reqID := binary.LittleEndian.Uint64(header[8:16])

		payload := make([]byte, length)
		if _, err := io.ReadFull(nc, payload); err != nil {
			return
		}

		respType, resp := s.dispatch(ctx, msgType, payload)
		if err := writeFrame(nc, respType, reqID, resp); err != nil {
			return
		}
	}
}

func writeFrame(w io.Writer, msgType uint16, reqID uint64, payload []byte) error {
	header := &bytes.Buffer{}
	_ = binary.Write(header, binary.LittleEndian, uint32(len(payload)))
	_ = binary.Write(header, binary.LittleEndian, msgType)
	_ = binary.Write(header, binary.LittleEndian, uint16(0))
	_ = binary.Write(header, binary.LittleEndian, reqID)
	_, err := w.Write(append(header.Bytes(), payload...))
	return err
}

func errorResponse(kind ErrorKind, detail string) (uint16, []byte) {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.LittleEndian, uint32(kind))
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(detail)))
	buf.WriteString(detail)
	return msgError, buf.Bytes()
}

func (s *fakeServer) dispatch(ctx context.Context, msgType uint16, payload []byte) (uint16, []byte) {
	switch msgType {
	case msgRead:
		path := string(payload)
		b, err := s.back.Read(ctx, path)
		if err != nil {
			return errorResponse(classify(err), err.Error())
		}
		return msgRead, b

	case msgWrite:
		r := bytes.NewReader(payload)
		var pathLen uint32
		_ = binary.Read(r, binary.LittleEndian, &pathLen)
		pathB := make([]byte, pathLen)
		io.ReadFull(r, pathB)
		modeB, _ := r.ReadByte()
		var uploadID [16]byte
		io.ReadFull(r, uploadID[:])
		rest, _ := io.ReadAll(r)

		err := s.back.Write(ctx, string(pathB), rest, WriteMode(modeB))
		if err != nil {
			return errorResponse(classify(err), err.Error())
		}
		return msgWrite, nil

	case msgListDir:
		files, dirs, err := s.back.ListDir(ctx, string(payload))
		if err != nil {
			return errorResponse(classify(err), err.Error())
		}
		buf := &bytes.Buffer{}
		writeStrings(buf, files)
		writeStrings(buf, dirs)
		return msgListDir, buf.Bytes()

	case msgCreateDir:
		if err := s.back.CreateDir(ctx, string(payload)); err != nil {
			return errorResponse(classify(err), err.Error())
		}
		return msgCreateDir, nil

	case msgMetadata:
		info, err := s.back.Metadata(ctx, string(payload))
		if err != nil {
			return errorResponse(classify(err), err.Error())
		}
		buf := make([]byte, 9)
		binary.LittleEndian.PutUint64(buf[0:8], uint64(info.Len))
		buf[8] = byte(info.Kind)
		return msgMetadata, buf

	default:
		return errorResponse(Other, "unknown message type")
	}
}

func writeStrings(buf *bytes.Buffer, ss []string) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(ss)))
	for _, s := range ss {
		_ = binary.Write(buf, binary.LittleEndian, uint32(len(s)))
		buf.WriteString(s)
	}
}

func classify(err error) ErrorKind {
	if IsKind(err, NotFound) {
		return NotFound
	}
	if IsKind(err, AlreadyExists) {
		return AlreadyExists
	}
	return Other
}

func TestRemoteWriteReadRoundTrip(t *testing.T) {
	_, addr := startFakeServer(t)
	r, err := DialRemote(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ctx := context.Background()
	if err := r.Write(ctx, "a/b", []byte("hello"), CreateNew); err != nil {
		t.Fatal(err)
	}
	got, err := r.Read(ctx, "a/b")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want hello", got)
	}
}

func TestRemoteReadMissingIsNotFound(t *testing.T) {
	_, addr := startFakeServer(t)
	r, err := DialRemote(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	_, err = r.Read(context.Background(), "nope")
	if !IsKind(err, NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestRemoteListDir(t *testing.T) {
	_, addr := startFakeServer(t)
	r, err := DialRemote(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ctx := context.Background()
	if err := r.Write(ctx, "f.txt", []byte("x"), CreateNew); err != nil {
		t.Fatal(err)
	}
	if err := r.CreateDir(ctx, "sub"); err != nil {
		t.Fatal(err)
	}
	files, dirs, err := r.ListDir(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0] != "f.txt" {
		t.Fatalf("files = %v", files)
	}
	if len(dirs) != 1 || dirs[0] != "sub" {
		t.Fatalf("dirs = %v", dirs)
	}
}

func TestRemoteReconnectsAfterDisconnect(t *testing.T) {
	s, addr := startFakeServer(t)
	r, err := DialRemote(addr, WithRetryDelay(5*time.Millisecond), WithMaxRetryDelay(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ctx := context.Background()
	if err := r.Write(ctx, "f", []byte("1"), CreateNew); err != nil {
		t.Fatal(err)
	}

	// Simulate a transient network failure by forcibly closing the
	// client's live connection; the next call should reconnect.
	r.mu.Lock()
	r.c.nc.Close()
	r.mu.Unlock()
	_ = s // server keeps listening and accepts the new connection

	got, err := r.Read(ctx, "f")
	if err != nil {
		t.Fatalf("expected transparent reconnect, got error: %v", err)
	}
	if string(got) != "1" {
		t.Fatalf("got %q, want 1", got)
	}
}
