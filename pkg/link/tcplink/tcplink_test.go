package tcplink

import (
	"testing"
	"time"
)

func TestConnectAndEmitDeliversFrame(t *testing.T) {
	server := New("server")
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	client := New("client")

	received := make(chan string, 1)
	server.OnFrame(func(from string, frame []byte) {
		received <- from + ":" + string(frame)
	})

	if err := client.Connect("server", server.Addr()); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if err := client.Emit("server", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-received:
		if msg != "client:hello" {
			t.Fatalf("got %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestEmitToUnknownPeerFails(t *testing.T) {
	client := New("client")
	if err := client.Emit("ghost", []byte("hi")); err == nil {
		t.Fatal("expected error emitting to an unconnected peer")
	}
}

func TestServerCanReplyOverAcceptedConnection(t *testing.T) {
	server := New("server")
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	client := New("client")
	clientReceived := make(chan string, 1)
	client.OnFrame(func(from string, frame []byte) {
		clientReceived <- from + ":" + string(frame)
	})

	if err := client.Connect("server", server.Addr()); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	// Prime the server's knowledge of the client by sending one frame
	// first, since the server learns the peer identity from frame
	// contents on accept.
	if err := client.Emit("server", []byte("ping")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := server.Emit("client", []byte("pong")); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-clientReceived:
		if msg != "server:pong" {
			t.Fatalf("got %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply frame")
	}
}
