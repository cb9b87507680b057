package onion

import (
	"bytes"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func genKeyPair(t *testing.T) (PrivateKey, PublicKey) {
	t.Helper()
	var priv PrivateKey
	var pub PublicKey
	if _, err := rand.Read(priv[:]); err != nil {
		t.Fatal(err)
	}
	curve25519.ScalarBaseMult((*[32]byte)(&pub), (*[32]byte)(&priv))
	return priv, pub
}

// threeHopFixture builds a four-node onion route: A -> B -> C -> D.
func threeHopFixture(t *testing.T) (route []string, senderEphPriv PrivateKey, senderEphPub PublicKey, relayPriv map[string]PrivateKey, relayKeys map[string]PublicKey) {
	t.Helper()
	route = []string{"A", "B", "C", "D"}
	senderEphPriv, senderEphPub = genKeyPair(t)
	relayPriv = make(map[string]PrivateKey)
	relayKeys = make(map[string]PublicKey)
	for _, id := range []string{"B", "C"} {
		priv, pub := genKeyPair(t)
		relayPriv[id] = priv
		relayKeys[id] = pub
	}
	return
}

func TestWrapPeelRoundTrip(t *testing.T) {
	route, senderEphPriv, senderEphPub, relayPriv, relayKeys := threeHopFixture(t)
	payload := []byte("secret")

	packet, err := Wrap(route, relayKeys, senderEphPriv, payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(packet.Layers) != 2 {
		t.Fatalf("expected 2 layers for 2 relays, got %d", len(packet.Layers))
	}

	nextHop, packet, err := Peel(packet, "B", relayPriv["B"], senderEphPub, 1)
	if err != nil {
		t.Fatal(err)
	}
	if nextHop != "C" {
		t.Fatalf("B's next hop: got %s want C", nextHop)
	}

	nextHop, packet, err = Peel(packet, "C", relayPriv["C"], senderEphPub, 2)
	if err != nil {
		t.Fatal(err)
	}
	if nextHop != "D" {
		t.Fatalf("C's next hop: got %s want D", nextHop)
	}

	final, err := ExtractPayload(packet)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(final, payload) {
		t.Fatalf("final payload corrupted: got %q want %q", final, payload)
	}
}

func TestRelayCannotReadPayloadOrOtherLayers(t *testing.T) {
	route, senderEphPriv, senderEphPub, relayPriv, relayKeys := threeHopFixture(t)
	packet, err := Wrap(route, relayKeys, senderEphPriv, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	// B's own layer records hop number 1: peeling it while claiming hop
	// number 2 must fail.
	if _, _, err := Peel(packet, "B", relayPriv["B"], senderEphPub, 2); err == nil {
		t.Fatal("expected hop-number mismatch to fail")
	}

	// B cannot derive C's layer keys at all: trying to peel layer 0 (its
	// own, correctly) works, but the resulting remaining packet's lead
	// layer belongs to C and B has no key for it.
	_, remaining, err := Peel(packet, "B", relayPriv["B"], senderEphPub, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := Peel(remaining, "B", relayPriv["B"], senderEphPub, 2); err == nil {
		t.Fatal("expected B to be unable to peel C's layer")
	}
}

func TestTamperedMacFailsClosed(t *testing.T) {
	route, senderEphPriv, senderEphPub, relayPriv, relayKeys := threeHopFixture(t)
	packet, err := Wrap(route, relayKeys, senderEphPriv, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	packet.Layers[0].Ciphertext[0] ^= 0xFF

	if _, _, err := Peel(packet, "B", relayPriv["B"], senderEphPub, 1); err == nil {
		t.Fatal("expected tampered ciphertext to fail MAC verification")
	}
}

func TestDirectRouteProducesNoLayers(t *testing.T) {
	priv, _ := genKeyPair(t)
	packet, err := Wrap([]string{"A", "B"}, map[string]PublicKey{}, priv, []byte("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if len(packet.Layers) != 0 {
		t.Fatalf("expected no onion layers for a direct route, got %d", len(packet.Layers))
	}
	final, err := ExtractPayload(packet)
	if err != nil {
		t.Fatal(err)
	}
	if string(final) != "hi" {
		t.Fatalf("got %q", final)
	}
}
