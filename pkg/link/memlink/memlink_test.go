package memlink

import (
	"testing"
	"time"

	"github.com/zentalk/meshphone/pkg/link"
)

func TestEmitDeliversToConnectedNeighbor(t *testing.T) {
	fabric := NewFabric()
	a := fabric.NewLink("A")
	b := fabric.NewLink("B")
	fabric.Connect("A", "B")

	received := make(chan string, 1)
	b.OnFrame(func(from string, frame []byte) {
		received <- from + ":" + string(frame)
	})

	if err := a.Emit("B", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-received:
		if msg != "A:hello" {
			t.Fatalf("got %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestEmitToUnconnectedFails(t *testing.T) {
	fabric := NewFabric()
	a := fabric.NewLink("A")
	fabric.NewLink("B")

	if err := a.Emit("B", []byte("hi")); err != link.ErrNoLink {
		t.Fatalf("expected ErrNoLink, got %v", err)
	}
}

func TestNeighborChangeNotifications(t *testing.T) {
	fabric := NewFabric()
	a := fabric.NewLink("A")
	fabric.NewLink("B")

	var added, removed []string
	a.OnNeighborChange(func(add, rem []string) {
		added = append(added, add...)
		removed = append(removed, rem...)
	})

	fabric.Connect("A", "B")
	if len(added) != 1 || added[0] != "B" {
		t.Fatalf("expected B added, got %v", added)
	}

	fabric.Disconnect("A", "B")
	if len(removed) != 1 || removed[0] != "B" {
		t.Fatalf("expected B removed, got %v", removed)
	}
}

func TestNeighborsReflectsConnections(t *testing.T) {
	fabric := NewFabric()
	a := fabric.NewLink("A")
	fabric.NewLink("B")
	fabric.NewLink("C")
	fabric.Connect("A", "B")
	fabric.Connect("A", "C")

	neighbors := a.Neighbors()
	if len(neighbors) != 2 {
		t.Fatalf("expected 2 neighbors, got %v", neighbors)
	}
}
