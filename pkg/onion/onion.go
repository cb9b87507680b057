// Package onion implements the mesh core's Onion Wrapper: layered
// symmetric encryption of per-hop routing headers that hides the full
// route from intermediaries.
package onion

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ErrAuthFailed is returned when a layer's MAC fails to verify, or its
// decrypted hop number doesn't match the relay's position in the route.
// A relay in this situation drops the message silently; it
// is this package's caller's responsibility to do the dropping.
var ErrAuthFailed = errors.New("onion: layer authentication failed")

const (
	keyLen    = 32
	ivLen     = 16
	layerInfo = "meshphone_onion_layer"
)

// Layer is one hop's sealed routing record.
type Layer struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	Tag        []byte `json:"tag"`
}

// routingInfo is the plaintext object each layer encrypts.
type routingInfo struct {
	NextHop   string `json:"next_hop"`
	HopNumber int    `json:"hop_number"`
}

// PublicKey and PrivateKey mirror identity.AgreementKeyPair's
// 32-byte array shape without importing pkg/identity, keeping onion usable
// standalone and by tests without an identity.Store dependency.
type (
	PublicKey  [keyLen]byte
	PrivateKey [keyLen]byte
)

func dh(private PrivateKey, public PublicKey) ([]byte, error) {
	shared, err := curve25519.X25519(private[:], public[:])
	if err != nil {
		return nil, fmt.Errorf("onion: dh: %w", err)
	}
	return shared, nil
}

func deriveLayerKeys(sharedSecret []byte, relayIdentity string) (cipherKey, macKey [keyLen]byte, err error) {
	h := hkdf.New(sha256.New, sharedSecret, []byte(relayIdentity), []byte(layerInfo))
	out := make([]byte, 64)
	if _, err = h.Read(out); err != nil {
		return cipherKey, macKey, fmt.Errorf("onion: derive layer keys: %w", err)
	}
	copy(cipherKey[:], out[:32])
	copy(macKey[:], out[32:])
	return cipherKey, macKey, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte(nil), data...), padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("onion: empty padded block")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, fmt.Errorf("onion: invalid padding")
	}
	return data[:len(data)-padLen], nil
}

func encryptLayer(cipherKey, macKey [keyLen]byte, plaintext []byte) (Layer, error) {
	block, err := aes.NewCipher(cipherKey[:])
	if err != nil {
		return Layer{}, err
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return Layer{}, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, macKey[:])
	mac.Write(iv)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)

	return Layer{Ciphertext: ciphertext, IV: iv, Tag: tag}, nil
}

func decryptLayer(cipherKey, macKey [keyLen]byte, layer Layer) ([]byte, error) {
	mac := hmac.New(sha256.New, macKey[:])
	mac.Write(layer.IV)
	mac.Write(layer.Ciphertext)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, layer.Tag) {
		return nil, ErrAuthFailed
	}

	block, err := aes.NewCipher(cipherKey[:])
	if err != nil {
		return nil, err
	}
	if len(layer.Ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext not block aligned", ErrAuthFailed)
	}
	padded := make([]byte, len(layer.Ciphertext))
	cipher.NewCBCDecrypter(block, layer.IV).CryptBlocks(padded, layer.Ciphertext)
	return pkcs7Unpad(padded)
}

// Packet is an onion-wrapped message: an ordered list of layers (layer[0]
// is for the first relay) plus the sealed, never-modified final payload.
type Packet struct {
	Layers       []Layer `json:"layers"`
	FinalPayload []byte  `json:"final_payload"`
}

// Wrap builds an onion packet for route = [sender, relay1, ..., relayk,
// recipient]. relayKeys maps each relay identity (route[1:len(route)-1])
// to its identity agreement public key. senderEphemeralPrivate is the
// sender's current ephemeral private key, DH'd against each relay's
// identity public key to derive that relay's layer keys. Peel does the
// DH the other way: the relay's identity private key against the
// sender's ephemeral public key.
func Wrap(route []string, relayKeys map[string]PublicKey, senderEphemeralPrivate PrivateKey, finalPayload []byte) (Packet, error) {
	if len(route) < 2 {
		return Packet{}, fmt.Errorf("onion: route must have at least sender and recipient")
	}
	relays := route[1 : len(route)-1]
	layers := make([]Layer, len(relays))

	for i, relayID := range relays {
		relayPub, ok := relayKeys[relayID]
		if !ok {
			return Packet{}, fmt.Errorf("onion: missing public key for relay %s", relayID)
		}
		shared, err := dh(senderEphemeralPrivate, relayPub)
		if err != nil {
			return Packet{}, err
		}
		cipherKey, macKey, err := deriveLayerKeys(shared, relayID)
		if err != nil {
			return Packet{}, err
		}

		nextHop := route[len(route)-1] // last relay's next hop is the recipient
		if i+1 < len(relays) {
			nextHop = relays[i+1]
		}
		info := routingInfo{NextHop: nextHop, HopNumber: i + 1}
		plaintext, err := json.Marshal(info)
		if err != nil {
			return Packet{}, err
		}

		layer, err := encryptLayer(cipherKey, macKey, plaintext)
		if err != nil {
			return Packet{}, err
		}
		layers[i] = layer
	}

	return Packet{Layers: layers, FinalPayload: finalPayload}, nil
}

// Peel removes the leading layer, meant for myIdentity at hopNumber (the
// relay's 1-based position in the route). senderEphemeralPublic is carried
// alongside the packet in the outer message header. Returns the
// next hop identity and the packet with the leading layer stripped.
func Peel(packet Packet, myIdentity string, myIdentityPrivate PrivateKey, senderEphemeralPublic PublicKey, hopNumber int) (nextHop string, remaining Packet, err error) {
	if len(packet.Layers) == 0 {
		return "", packet, fmt.Errorf("onion: no layers left to peel")
	}

	shared, err := dh(myIdentityPrivate, senderEphemeralPublic)
	if err != nil {
		return "", packet, err
	}
	cipherKey, macKey, err := deriveLayerKeys(shared, myIdentity)
	if err != nil {
		return "", packet, err
	}

	plaintext, err := decryptLayer(cipherKey, macKey, packet.Layers[0])
	if err != nil {
		return "", packet, err
	}

	var info routingInfo
	if err := json.Unmarshal(plaintext, &info); err != nil {
		return "", packet, fmt.Errorf("%w: malformed routing info", ErrAuthFailed)
	}
	if info.HopNumber != hopNumber {
		return "", packet, fmt.Errorf("%w: hop number mismatch (got %d, expected %d)", ErrAuthFailed, info.HopNumber, hopNumber)
	}

	remaining = Packet{
		Layers:       packet.Layers[1:],
		FinalPayload: packet.FinalPayload,
	}
	return info.NextHop, remaining, nil
}

// ExtractPayload returns the sealed final payload; valid only once every
// layer has been peeled.
func ExtractPayload(packet Packet) ([]byte, error) {
	if len(packet.Layers) != 0 {
		return nil, fmt.Errorf("onion: %d layers remain, payload not yet reachable", len(packet.Layers))
	}
	return packet.FinalPayload, nil
}
