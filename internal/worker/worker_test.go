package worker

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/Groodian/rustchat-go/internal/bus"
	"github.com/Groodian/rustchat-go/internal/catalog"
	"github.com/Groodian/rustchat-go/internal/logging"
	"github.com/Groodian/rustchat-go/internal/shutdown"
	"github.com/Groodian/rustchat-go/internal/wire"
)

func newTestPool(t *testing.T, n int) (*Pool, *shutdown.Coordinator, *bus.Bus) {
	t.Helper()
	b := bus.New()
	coord := shutdown.New()
	p := New(n, b, logging.L(), 0, 0)
	p.Start(coord)
	flag, done := coord.Register("bus")
	go b.Run(flag, done)
	t.Cleanup(func() {
		coord.Stop()
		coord.Join()
	})
	return p, coord, b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestPoolDispatchRegistersConnection(t *testing.T) {
	p, _, _ := newTestPool(t, 2)
	server, client := net.Pipe()
	defer client.Close()
	p.Dispatch(server)

	waitFor(t, func() bool { return p.ConnectionCount() == 1 })
}

func TestPoolDispatchRoundRobinsAcrossWorkers(t *testing.T) {
	p, _, _ := newTestPool(t, 2)
	var clients []net.Conn
	for i := 0; i < 4; i++ {
		server, client := net.Pipe()
		clients = append(clients, client)
		p.Dispatch(server)
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()
	waitFor(t, func() bool { return p.ConnectionCount() == 4 })
	for i, w := range p.workers {
		if got := w.countUnsafe(); got != 2 {
			t.Fatalf("worker %d holds %d connections, want 2", i, got)
		}
	}
}

func TestPoolRosterAggregatesLoggedInUsers(t *testing.T) {
	p, _, _ := newTestPool(t, 2)
	server, client := net.Pipe()
	defer client.Close()
	p.Dispatch(server)
	waitFor(t, func() bool { return p.ConnectionCount() == 1 })

	loginAs(t, client, "ada")

	waitFor(t, func() bool {
		for _, name := range p.Roster() {
			if name == "ada" {
				return true
			}
		}
		return false
	})
}

func TestPoolGlobalBroadcastReachesAllConnections(t *testing.T) {
	p, _, _ := newTestPool(t, 2)
	var clients []net.Conn
	for i := 0; i < 3; i++ {
		server, client := net.Pipe()
		clients = append(clients, client)
		p.Dispatch(server)
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()
	waitFor(t, func() bool { return p.ConnectionCount() == 3 })

	p.PublishGlobal("ada", "hello everyone")

	for _, c := range clients {
		_ = c.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 256)
		n, err := c.Read(buf)
		if err != nil {
			t.Fatalf("expected broadcast to reach every connection: %v", err)
		}
		dec := wire.NewDecoder()
		frames, ferr := dec.Feed(buf[:n])
		if ferr != nil || len(frames) == 0 || frames[0].MessageNumber != catalog.MsgGlobalChatMessage {
			t.Fatalf("unexpected broadcast frame: frames=%v err=%v", frames, ferr)
		}
	}
}

func TestPoolPrivateMessageReachesOnlyNamedRecipient(t *testing.T) {
	p, _, _ := newTestPool(t, 2)
	serverA, clientA := net.Pipe()
	serverB, clientB := net.Pipe()
	defer clientA.Close()
	defer clientB.Close()
	p.Dispatch(serverA)
	p.Dispatch(serverB)
	waitFor(t, func() bool { return p.ConnectionCount() == 2 })

	loginAs(t, clientA, "ada")
	loginAs(t, clientB, "grace")
	waitFor(t, func() bool { return len(p.Roster()) == 2 })

	p.PublishPrivate("ada", "grace", "just for you")

	_ = clientB.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 256)
	n, err := clientB.Read(buf)
	if err != nil {
		t.Fatalf("expected grace to receive the private message: %v", err)
	}
	dec := wire.NewDecoder()
	frames, ferr := dec.Feed(buf[:n])
	if ferr != nil || len(frames) == 0 || frames[0].MessageNumber != catalog.MsgPrivateChatMessage {
		t.Fatalf("unexpected private frame: frames=%v err=%v", frames, ferr)
	}

	_ = clientA.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := clientA.Read(buf); err == nil {
		t.Fatal("sender should not receive its own private message back")
	}
}

func loginAs(t *testing.T, conn net.Conn, userName string) {
	t.Helper()
	payload, err := json.Marshal(catalog.Login{UserName: userName})
	if err != nil {
		t.Fatalf("marshal login: %v", err)
	}
	frame, err := wire.Encode(catalog.MsgLogin, payload)
	if err != nil {
		t.Fatalf("encode login: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write login: %v", err)
	}
}
