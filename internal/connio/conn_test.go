package connio

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/Groodian/rustchat-go/internal/catalog"
	"github.com/Groodian/rustchat-go/internal/logging"
	"github.com/Groodian/rustchat-go/internal/wire"
)

// fakePublisher records PublishGlobal/PublishPrivate calls and returns a
// canned roster, decoupling these tests from internal/worker.
type fakePublisher struct {
	globalUser, globalMsg  string
	privateFrom, privateTo string
	privateMsg             string
	roster                 []string
}

func (f *fakePublisher) PublishGlobal(userName, message string) {
	f.globalUser, f.globalMsg = userName, message
}

func (f *fakePublisher) PublishPrivate(from, to, message string) {
	f.privateFrom, f.privateTo, f.privateMsg = from, to, message
}

func (f *fakePublisher) Roster() []string { return f.roster }

func newTestConn(t *testing.T, pub Publisher) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	closedCh := make(chan struct{}, 1)
	c := New(server, pub, logging.L(), 0, 0, func(_ *Conn, _ bool, _ string) {
		select {
		case closedCh <- struct{}{}:
		default:
		}
	})
	t.Cleanup(func() { c.Close() })
	return c, client
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

func readFrame(t *testing.T, conn net.Conn) wire.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
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

func TestConnPingEchoesWhenNotReply(t *testing.T) {
	pub := &fakePublisher{}
	c, client := newTestConn(t, pub)
	c.Start()
	defer client.Close()

	writeFrame(t, client, catalog.MsgPing, catalog.Ping{Nonce: 7, Reply: false})

	fr := readFrame(t, client)
	if fr.MessageNumber != catalog.MsgPing {
		t.Fatalf("expected ping reply, got message number %d", fr.MessageNumber)
	}
	var p catalog.Ping
	if err := json.Unmarshal(fr.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !p.Reply || p.Nonce != 7 {
		t.Fatalf("unexpected ping reply payload: %+v", p)
	}
}

func TestConnLoginThenPublishGlobalReachesPublisher(t *testing.T) {
	pub := &fakePublisher{}
	c, client := newTestConn(t, pub)
	c.Start()
	defer client.Close()

	writeFrame(t, client, catalog.MsgLogin, catalog.Login{UserName: "ada"})
	writeFrame(t, client, catalog.MsgPublishGlobalChatMessage, catalog.PublishGlobalChatMessage{Message: "hi"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if pub.globalUser != "" {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if pub.globalUser != "ada" || pub.globalMsg != "hi" {
		t.Fatalf("expected publish to reach fakePublisher, got user=%q msg=%q", pub.globalUser, pub.globalMsg)
	}
	if c.UserName() != "ada" {
		t.Fatalf("expected UserName %q, got %q", "ada", c.UserName())
	}
}

func TestConnEnqueueClosesConnectionWhenQueueFull(t *testing.T) {
	pub := &fakePublisher{}
	server, client := net.Pipe()
	defer client.Close()
	c := New(server, pub, logging.L(), 0, 0, nil)
	// Do not Start the write loop, so the queue can never drain.
	for i := 0; i < MaxQueuedFrames; i++ {
		if err := c.Enqueue(catalog.MsgPing, catalog.Ping{Nonce: uint32(i), Reply: true}); err != nil {
			t.Fatalf("unexpected error filling queue at %d: %v", i, err)
		}
	}
	if err := c.Enqueue(catalog.MsgPing, catalog.Ping{Nonce: 9999, Reply: true}); err != ErrOutboundQueueFull {
		t.Fatalf("expected ErrOutboundQueueFull, got %v", err)
	}
	select {
	case <-c.Closed():
	case <-time.After(time.Second):
		t.Fatalf("expected connection to be closed after queue overflow")
	}
}

func TestConnUserNameDefaultsEmpty(t *testing.T) {
	pub := &fakePublisher{}
	c, client := newTestConn(t, pub)
	defer client.Close()
	if got := c.UserName(); got != "" {
		t.Fatalf("expected empty UserName before Login, got %q", got)
	}
	c.SetUserName("grace")
	if got := c.UserName(); got != "grace" {
		t.Fatalf("expected UserName %q, got %q", "grace", got)
	}
}

func TestConnBadMagicClosesConnection(t *testing.T) {
	pub := &fakePublisher{}
	c, client := newTestConn(t, pub)
	c.Start()
	defer client.Close()

	bogus := []byte("XXXXXXXX" + "1  " + "5    " + "hello")
	if _, err := client.Write(bogus); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-c.Closed():
	case <-time.After(time.Second):
		t.Fatalf("expected connection to close on bad magic")
	}
}

func TestConnRequestUserListRepliesWithRoster(t *testing.T) {
	pub := &fakePublisher{roster: []string{"ada", "grace"}}
	c, client := newTestConn(t, pub)
	c.Start()
	defer client.Close()

	writeFrame(t, client, catalog.MsgRequestUserList, catalog.RequestUserList{})
	fr := readFrame(t, client)
	if fr.MessageNumber != catalog.MsgListUsers {
		t.Fatalf("expected ListUsers reply, got %d", fr.MessageNumber)
	}
	var lu catalog.ListUsers
	if err := json.Unmarshal(fr.Payload, &lu); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(lu.UserNames) != 2 {
		t.Fatalf("expected 2 user names, got %v", lu.UserNames)
	}
}
