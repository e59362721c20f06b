package main

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/Ar7hurz1nh0/reverse-proxy/internal/config"
	"github.com/Ar7hurz1nh0/reverse-proxy/internal/proto"
)

const testSep = "\r\n"

func testConfig() *config.Redirector {
	return &config.Redirector{
		Auth:          "hunter2",
		Separator:     testSep,
		Listen:        9000,
		MaxPacketSize: 384,
	}
}

// freePort grabs an ephemeral port that is free at call time.
func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	_ = ln.Close()
	return port
}

func writeFrame(t *testing.T, conn net.Conn, f proto.Frame) {
	t.Helper()
	b, err := proto.Marshal(f, testSep)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write %s frame: %v", f.Type(), err)
	}
}

// A wrong shared secret must kill the control connection before any public
// listener exists.
func TestControlAuthFailure(t *testing.T) {
	starter, redirector := net.Pipe()
	defer starter.Close()

	store := newMemoryStore()
	done := make(chan struct{})
	go func() {
		defer close(done)
		runControl(context.Background(), redirector, testConfig(), store, nil)
	}()

	writeFrame(t, starter, proto.Auth{Secret: "wrong", Ports: []uint16{freePort(t)}})
	_ = starter.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := starter.Read(buf); err == nil {
		t.Error("expected control connection to be closed after bad secret")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("control session did not end")
	}
}

// Scenario: client connects to an advertised port, bytes flow both ways,
// closing the client emits CLOSE upstream.
func TestControlSessionRelay(t *testing.T) {
	starter, redirector := net.Pipe()
	defer starter.Close()
	_ = starter.SetDeadline(time.Now().Add(10 * time.Second))

	port := freePort(t)
	store := newMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		runControl(ctx, redirector, testConfig(), store, nil)
	}()

	writeFrame(t, starter, proto.Auth{Secret: "hunter2", Ports: []uint16{port}})
	dec := proto.NewDecoder(starter, testSep, true)

	// Public listeners come up asynchronously after auth.
	client := dialRetry(t, fmt.Sprintf("127.0.0.1:%d", port))
	defer client.Close()
	if _, err := client.Write([]byte("GET / HTTP/1.0\r\n\r\n")); err != nil {
		t.Fatal(err)
	}

	f, err := dec.Next()
	if err != nil {
		t.Fatalf("expected DATA frame: %v", err)
	}
	data, ok := f.(proto.Data)
	if !ok {
		t.Fatalf("expected Data, got %T", f)
	}
	if data.Port != port || string(data.Body) != "GET / HTTP/1.0\r\n\r\n" {
		t.Errorf("unexpected frame: port=%d body=%q", data.Port, data.Body)
	}
	if !proto.ValidSessionID(data.ID) {
		t.Errorf("bad session id on wire: %q", data.ID)
	}

	// Reply travels back to the public client.
	writeFrame(t, starter, proto.Data{ID: data.ID, Body: []byte("HTTP/1.0 200 OK\r\n\r\nhi")})
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply := make([]byte, 64)
	n, err := client.Read(reply)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if got := string(reply[:n]); got != "HTTP/1.0 200 OK\r\n\r\nhi" {
		t.Errorf("client received %q", got)
	}

	// Closing the public client emits CLOSE for that id.
	_ = client.Close()
	f, err = dec.Next()
	if err != nil {
		t.Fatalf("expected CLOSE frame: %v", err)
	}
	cl, ok := f.(proto.Close)
	if !ok || cl.ID != data.ID {
		t.Errorf("expected Close{%s}, got %#v", data.ID, f)
	}

	_ = starter.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("control session did not tear down")
	}
	if active, _ := store.getStats(); active != 0 {
		t.Errorf("session table not cleared on teardown: %d", active)
	}
}

// DATA for an id the redirector never assigned is answered with CLOSE.
func TestControlUnknownSessionRepliesClose(t *testing.T) {
	starter, redirector := net.Pipe()
	defer starter.Close()
	_ = starter.SetDeadline(time.Now().Add(10 * time.Second))

	store := newMemoryStore()
	done := make(chan struct{})
	go func() {
		defer close(done)
		runControl(context.Background(), redirector, testConfig(), store, nil)
	}()

	writeFrame(t, starter, proto.Auth{Secret: "hunter2", Ports: []uint16{freePort(t)}})
	ghost := proto.NewSessionID()
	writeFrame(t, starter, proto.Data{ID: ghost, Body: []byte("orphan")})

	dec := proto.NewDecoder(starter, testSep, true)
	f, err := dec.Next()
	if err != nil {
		t.Fatalf("expected CLOSE reply: %v", err)
	}
	cl, ok := f.(proto.Close)
	if !ok || cl.ID != ghost {
		t.Errorf("expected Close{%s}, got %#v", ghost, f)
	}

	_ = starter.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("control session did not end")
	}
}

// Two concurrent sessions on the same port each keep their own stream.
func TestControlConcurrentSessionsIsolated(t *testing.T) {
	starter, redirector := net.Pipe()
	defer starter.Close()
	_ = starter.SetDeadline(time.Now().Add(10 * time.Second))

	port := freePort(t)
	store := newMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		runControl(ctx, redirector, testConfig(), store, nil)
	}()

	writeFrame(t, starter, proto.Auth{Secret: "hunter2", Ports: []uint16{port}})
	dec := proto.NewDecoder(starter, testSep, true)

	alice := dialRetry(t, fmt.Sprintf("127.0.0.1:%d", port))
	defer alice.Close()
	bob := dialRetry(t, fmt.Sprintf("127.0.0.1:%d", port))
	defer bob.Close()
	if _, err := alice.Write([]byte("from-alice")); err != nil {
		t.Fatal(err)
	}
	if _, err := bob.Write([]byte("from-bob")); err != nil {
		t.Fatal(err)
	}

	ids := map[string]string{} // body -> session id
	for i := 0; i < 2; i++ {
		f, err := dec.Next()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		d, ok := f.(proto.Data)
		if !ok {
			t.Fatalf("expected Data, got %T", f)
		}
		ids[string(d.Body)] = d.ID
	}
	if ids["from-alice"] == "" || ids["from-bob"] == "" {
		t.Fatalf("missing streams: %v", ids)
	}
	if ids["from-alice"] == ids["from-bob"] {
		t.Fatal("both sessions share one id")
	}

	// Each reply must reach only its own client.
	writeFrame(t, starter, proto.Data{ID: ids["from-alice"], Body: []byte("to-alice")})
	writeFrame(t, starter, proto.Data{ID: ids["from-bob"], Body: []byte("to-bob")})
	for client, want := range map[net.Conn]string{alice: "to-alice", bob: "to-bob"} {
		_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
		buf := make([]byte, 16)
		n, err := client.Read(buf)
		if err != nil {
			t.Fatalf("client read for %q: %v", want, err)
		}
		if got := string(buf[:n]); got != want {
			t.Errorf("client expecting %q received %q", want, got)
		}
	}

	_ = starter.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("control session did not tear down")
	}
}

func dialRetry(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		c, err := net.Dial("tcp", addr)
		if err == nil {
			return c
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial %s: %v", addr, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
