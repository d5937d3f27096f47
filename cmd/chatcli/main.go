// Command chatcli is a line-oriented client for chatd, used for manual
// testing and as a reference client implementation (spec.md §1, out of
// core scope but exercised by the same wire protocol).
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/Groodian/rustchat-go/internal/catalog"
	"github.com/Groodian/rustchat-go/internal/wire"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7878", "chatd address to connect to")
	flag.Parse()

	conn, err := dialWithBackoff(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()
	fmt.Printf("connected to %s\n", *addr)

	done := make(chan struct{})
	go readLoop(conn, done)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if err := handleLine(conn, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
	<-done
}

func dialWithBackoff(addr string) (net.Conn, error) {
	var conn net.Conn
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	err := backoff.Retry(func() error {
		c, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, b)
	return conn, err
}

// handleLine interprets one line of user input as either a command
// (/login, /msg, /w) or, with no leading slash, a plain global message.
func handleLine(conn net.Conn, line string) error {
	switch {
	case strings.HasPrefix(line, "/login "):
		name := strings.TrimPrefix(line, "/login ")
		return send(conn, catalog.MsgLogin, catalog.Login{UserName: name})

	case strings.HasPrefix(line, "/msg "):
		msg := strings.TrimPrefix(line, "/msg ")
		return send(conn, catalog.MsgPublishGlobalChatMessage, catalog.PublishGlobalChatMessage{Message: msg})

	case strings.HasPrefix(line, "/w "):
		rest := strings.TrimPrefix(line, "/w ")
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 {
			return fmt.Errorf("usage: /w <user> <message>")
		}
		return send(conn, catalog.MsgPublishPrivateChatMessage, catalog.PublishPrivateChatMessage{ToUserName: parts[0], Message: parts[1]})

	case line == "/who":
		return send(conn, catalog.MsgRequestUserList, catalog.RequestUserList{})

	case line == "/ping":
		return send(conn, catalog.MsgPing, catalog.Ping{Nonce: uint32(time.Now().UnixNano()), Reply: false})

	case line == "":
		return nil

	default:
		return send(conn, catalog.MsgPublishGlobalChatMessage, catalog.PublishGlobalChatMessage{Message: line})
	}
}

func send(conn net.Conn, messageNumber int, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	frame, err := wire.Encode(messageNumber, payload)
	if err != nil {
		return err
	}
	_, err = conn.Write(frame)
	return err
}

func readLoop(conn net.Conn, done chan<- struct{}) {
	defer close(done)
	dec := wire.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			fmt.Println("disconnected:", err)
			return
		}
		frames, ferr := dec.Feed(buf[:n])
		for _, fr := range frames {
			printFrame(fr)
		}
		if ferr != nil {
			fmt.Println("framing error:", ferr)
			return
		}
	}
}

func printFrame(fr wire.Frame) {
	switch fr.MessageNumber {
	case catalog.MsgPing:
		var p catalog.Ping
		if json.Unmarshal(fr.Payload, &p) == nil {
			fmt.Printf("pong nonce=%d\n", p.Nonce)
		}
	case catalog.MsgGlobalChatMessage:
		var m catalog.GlobalChatMessage
		if json.Unmarshal(fr.Payload, &m) == nil {
			fmt.Printf("<%s> %s\n", m.UserName, m.Message)
		}
	case catalog.MsgPrivateChatMessage:
		var m catalog.PrivateChatMessage
		if json.Unmarshal(fr.Payload, &m) == nil {
			fmt.Printf("[%s -> you] %s\n", m.FromUserName, m.Message)
		}
	case catalog.MsgUserLeft:
		var u catalog.UserLeft
		if json.Unmarshal(fr.Payload, &u) == nil {
			fmt.Printf("* %s left\n", u.UserName)
		}
	case catalog.MsgListUsers:
		var l catalog.ListUsers
		if json.Unmarshal(fr.Payload, &l) == nil {
			fmt.Printf("online: %s\n", strings.Join(l.UserNames, ", "))
		}
	}
}
