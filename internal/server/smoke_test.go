package server

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/Groodian/rustchat-go/internal/bus"
	"github.com/Groodian/rustchat-go/internal/catalog"
	"github.com/Groodian/rustchat-go/internal/logging"
	"github.com/Groodian/rustchat-go/internal/metrics"
	"github.com/Groodian/rustchat-go/internal/shutdown"
	"github.com/Groodian/rustchat-go/internal/wire"
	"github.com/Groodian/rustchat-go/internal/worker"
)

func startTestServer(t *testing.T, n int) (*Server, *shutdown.Coordinator) {
	t.Helper()
	b := bus.New()
	coord := shutdown.New()
	pool := worker.New(n, b, logging.L(), 0, 0)
	pool.Start(coord)
	flag, done := coord.Register("bus")
	go b.Run(flag, done)

	srv := New(pool, WithListenAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := srv.Serve(ctx, coord); err != nil {
			t.Logf("Serve returned: %v", err)
		}
	}()
	if !WaitReady(srv, time.Second) {
		t.Fatal("server did not signal readiness")
	}
	t.Cleanup(cancel)
	return srv, coord
}

func dialAndHandshake(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func writeFrame(t *testing.T, conn net.Conn, messageNumber int, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	frame, err := wire.Encode(messageNumber, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readOneFrame(t *testing.T, conn net.Conn) wire.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	dec := wire.NewDecoder()
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		frames, ferr := dec.Feed(buf[:n])
		if ferr != nil {
			t.Fatalf("decode: %v", ferr)
		}
		if len(frames) > 0 {
			return frames[0]
		}
	}
}

func TestServerPingEcho(t *testing.T) {
	srv, _ := startTestServer(t, 2)
	conn := dialAndHandshake(t, srv.Addr())
	defer conn.Close()

	writeFrame(t, conn, catalog.MsgPing, catalog.Ping{Nonce: 42, Reply: false})
	fr := readOneFrame(t, conn)
	if fr.MessageNumber != catalog.MsgPing {
		t.Fatalf("expected ping reply, got %d", fr.MessageNumber)
	}
	var p catalog.Ping
	if err := json.Unmarshal(fr.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Nonce != 42 || !p.Reply {
		t.Fatalf("unexpected ping payload: %+v", p)
	}
}

func TestServerTwoClientsGlobalBroadcast(t *testing.T) {
	srv, _ := startTestServer(t, 2)
	c1 := dialAndHandshake(t, srv.Addr())
	c2 := dialAndHandshake(t, srv.Addr())
	defer c1.Close()
	defer c2.Close()

	writeFrame(t, c1, catalog.MsgLogin, catalog.Login{UserName: "ada"})
	writeFrame(t, c1, catalog.MsgPublishGlobalChatMessage, catalog.PublishGlobalChatMessage{Message: "hello"})

	fr := readOneFrame(t, c2)
	if fr.MessageNumber != catalog.MsgGlobalChatMessage {
		t.Fatalf("expected global chat message, got %d", fr.MessageNumber)
	}
	var m catalog.GlobalChatMessage
	if err := json.Unmarshal(fr.Payload, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.UserName != "ada" || m.Message != "hello" {
		t.Fatalf("unexpected broadcast payload: %+v", m)
	}
}

func TestServerPublishBeforeLoginIsSilentlyDropped(t *testing.T) {
	srv, _ := startTestServer(t, 2)
	c1 := dialAndHandshake(t, srv.Addr())
	c2 := dialAndHandshake(t, srv.Addr())
	defer c1.Close()
	defer c2.Close()

	writeFrame(t, c1, catalog.MsgPublishGlobalChatMessage, catalog.PublishGlobalChatMessage{Message: "nope"})

	_ = c2.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 16)
	if _, err := c2.Read(buf); err == nil {
		t.Fatal("expected no broadcast before login")
	}
}

func TestServerBadMagicDisconnectsAndCountsLostConnection(t *testing.T) {
	srv, _ := startTestServer(t, 1)
	lostBefore := metrics.Snap().LostConnections
	conn := dialAndHandshake(t, srv.Addr())
	defer conn.Close()

	bogus := []byte("XXXXXXXX" + "1  " + "5    " + "hello")
	if _, err := conn.Write(bogus); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected connection to be closed after bad magic")
	}
	deadline := time.Now().Add(time.Second)
	for metrics.Snap().LostConnections <= lostBefore && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if metrics.Snap().LostConnections <= lostBefore {
		t.Fatal("expected the lost-connection metric to increment after bad magic")
	}
}

func TestServerGracefulShutdown(t *testing.T) {
	srv, coord := startTestServer(t, 2)
	c1 := dialAndHandshake(t, srv.Addr())
	defer c1.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx, coord); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	_ = c1.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 8)
	if _, err := c1.Read(buf); err == nil {
		t.Fatal("expected client connection to be closed after shutdown")
	}
}
