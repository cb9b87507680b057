// Package ratchet implements the mesh core's Ratchet Session: a simplified
// Double Ratchet providing a forward-secret, bidirectional channel between
// two identities with tolerance for out-of-order delivery.
// https://signal.org/docs/specifications/doubleratchet/
package ratchet

import (
	"container/list"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	keyLen = 32

	kdfRootInfo = "meshphone ratchet root"

	// DefaultSkipCacheCapacity is the per-peer bound on the skipped-message
	// key cache, used when NewSender or NewReceiver is given a
	// non-positive skipCapacity.
	DefaultSkipCacheCapacity = 1024
)

// ErrCryptoFailure is returned when an authentication tag fails to verify
// or a skipped key cannot be found; the session is left unchanged.
var ErrCryptoFailure = errors.New("ratchet: crypto failure")

// RootKey, ChainKey and MessageKey are the three 32-byte key types driving
// the ratchet's key hierarchy.
type (
	RootKey    [keyLen]byte
	ChainKey   [keyLen]byte
	MessageKey [keyLen]byte
)

// DHPublicKey and DHPrivateKey are X25519 key-agreement keys.
type (
	DHPublicKey  [keyLen]byte
	DHPrivateKey [keyLen]byte
)

// Header travels alongside each ratchet-encrypted message.
type Header struct {
	DHPublicKey      DHPublicKey
	PreviousChainLen uint32
	MessageNum       uint32
}

// Encode serializes a Header to a fixed 40-byte wire representation.
func (h Header) Encode() []byte {
	buf := make([]byte, keyLen+8)
	copy(buf, h.DHPublicKey[:])
	binary.BigEndian.PutUint32(buf[keyLen:], h.PreviousChainLen)
	binary.BigEndian.PutUint32(buf[keyLen+4:], h.MessageNum)
	return buf
}

// DecodeHeader parses a Header from its wire representation.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < keyLen+8 {
		return h, fmt.Errorf("ratchet: header too short")
	}
	copy(h.DHPublicKey[:], buf[:keyLen])
	h.PreviousChainLen = binary.BigEndian.Uint32(buf[keyLen:])
	h.MessageNum = binary.BigEndian.Uint32(buf[keyLen+4:])
	return h, nil
}

// GenerateDHKeyPair creates a fresh X25519 key pair.
func GenerateDHKeyPair() (DHPrivateKey, DHPublicKey, error) {
	var priv DHPrivateKey
	var pub DHPublicKey
	if _, err := rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("ratchet: generate dh key pair: %w", err)
	}
	curve25519.ScalarBaseMult((*[32]byte)(&pub), (*[32]byte)(&priv))
	return priv, pub, nil
}

// DH performs X25519 Diffie-Hellman.
func DH(private DHPrivateKey, public DHPublicKey) ([]byte, error) {
	shared, err := curve25519.X25519(private[:], public[:])
	if err != nil {
		return nil, fmt.Errorf("ratchet: dh: %w", err)
	}
	return shared, nil
}

// kdfRK is the root KDF: HKDF-SHA256 over the DH output, salted with the
// current root key, producing a new root key and a new chain key.
func kdfRK(root RootKey, dhOutput []byte) (RootKey, ChainKey, error) {
	h := hkdf.New(sha256.New, dhOutput, root[:], []byte(kdfRootInfo))
	out := make([]byte, 64)
	if _, err := h.Read(out); err != nil {
		return RootKey{}, ChainKey{}, fmt.Errorf("ratchet: root kdf: %w", err)
	}
	var newRoot RootKey
	var newChain ChainKey
	copy(newRoot[:], out[:32])
	copy(newChain[:], out[32:])
	return newRoot, newChain, nil
}

// kdfCK is the chain KDF: HMAC-SHA256 derives the next chain key and this
// message's key from the current chain key.
func kdfCK(chain ChainKey) (ChainKey, MessageKey) {
	mac := hmac.New(sha256.New, chain[:])
	mac.Write([]byte{0x01})
	msgMaterial := mac.Sum(nil)
	var msgKey MessageKey
	copy(msgKey[:], msgMaterial)

	mac2 := hmac.New(sha256.New, chain[:])
	mac2.Write([]byte{0x02})
	chainMaterial := mac2.Sum(nil)
	var newChain ChainKey
	copy(newChain[:], chainMaterial)

	return newChain, msgKey
}

// skipKeyID identifies one skipped message key.
type skipKeyID struct {
	dh  DHPublicKey
	num uint32
}

// State is the per-peer ratchet session state.
type State struct {
	RootKey           RootKey
	SendingChainKey   ChainKey
	SendingMsgNum     uint32
	ReceivingChainKey ChainKey
	ReceivingMsgNum   uint32

	DHSendingPrivate  DHPrivateKey
	DHSendingPublic   DHPublicKey
	DHReceivingPublic DHPublicKey

	PreviousChainLen uint32

	skipCapacity int
	skipOrder    *list.List                     // front = oldest
	skipIndex    map[skipKeyID]*list.Element
	skipValues   map[skipKeyID]MessageKey
}

func newState(capacity int) *State {
	if capacity <= 0 {
		capacity = DefaultSkipCacheCapacity
	}
	return &State{
		skipCapacity: capacity,
		skipOrder:    list.New(),
		skipIndex:    make(map[skipKeyID]*list.Element),
		skipValues:   make(map[skipKeyID]MessageKey),
	}
}

// NewSender initializes a ratchet session as the sending party (Alice): it
// uses its own fresh ephemeral key and the peer's identity public to seed
// the root key and the sending chain.
func NewSender(sharedSecret []byte, peerPublic DHPublicKey, skipCapacity int) (*State, error) {
	ourPriv, ourPub, err := GenerateDHKeyPair()
	if err != nil {
		return nil, err
	}
	s := newState(skipCapacity)
	s.DHSendingPrivate = ourPriv
	s.DHSendingPublic = ourPub
	s.DHReceivingPublic = peerPublic
	copy(s.RootKey[:], sharedSecret[:32])

	dhOut, err := DH(s.DHSendingPrivate, s.DHReceivingPublic)
	if err != nil {
		return nil, err
	}
	newRoot, sendChain, err := kdfRK(s.RootKey, dhOut)
	if err != nil {
		return nil, err
	}
	s.RootKey = newRoot
	s.SendingChainKey = sendChain
	return s, nil
}

// NewReceiver initializes a ratchet session as the receiving party (Bob):
// it seeds the root key from sharedSecret and keeps its identity key pair
// as the current ratchet key pair. Both of Bob's chains are established
// lazily on the first DH ratchet step, which the first received message
// triggers by carrying the sender's fresh public key: that key and Bob's
// identity private key derive the receiving chain, then a new key pair
// derives the sending chain (placeholder-then-ratchet).
func NewReceiver(sharedSecret []byte, ourPrivate DHPrivateKey, ourPublic DHPublicKey, skipCapacity int) *State {
	s := newState(skipCapacity)
	s.DHSendingPrivate = ourPrivate
	s.DHSendingPublic = ourPublic
	copy(s.RootKey[:], sharedSecret[:32])
	return s
}

// DHRatchet performs a DH ratchet step on receipt of a new peer public key:
// it derives a new receiving chain from the old root, generates a fresh
// sending key pair, and derives a new sending chain, destroying the prior
// sending key.
func (s *State) DHRatchet(remotePublic DHPublicKey) error {
	s.PreviousChainLen = s.SendingMsgNum
	s.SendingMsgNum = 0
	s.ReceivingMsgNum = 0
	s.DHReceivingPublic = remotePublic

	dhOut, err := DH(s.DHSendingPrivate, s.DHReceivingPublic)
	if err != nil {
		return err
	}
	newRoot, recvChain, err := kdfRK(s.RootKey, dhOut)
	if err != nil {
		return err
	}
	s.RootKey = newRoot
	s.ReceivingChainKey = recvChain

	newPriv, newPub, err := GenerateDHKeyPair()
	if err != nil {
		return err
	}
	s.DHSendingPrivate = newPriv
	s.DHSendingPublic = newPub

	dhOut2, err := DH(s.DHSendingPrivate, s.DHReceivingPublic)
	if err != nil {
		return err
	}
	newRoot2, sendChain, err := kdfRK(s.RootKey, dhOut2)
	if err != nil {
		return err
	}
	s.RootKey = newRoot2
	s.SendingChainKey = sendChain
	return nil
}

func aesGCMEncrypt(key [32]byte, plaintext []byte) (iv, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, err
	}
	ciphertext = gcm.Seal(nil, iv, plaintext, nil)
	return iv, ciphertext, nil
}

func aesGCMDecrypt(key [32]byte, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return plaintext, nil
}

// Encrypted is the output of Encrypt: header plus AES-256-GCM ciphertext
// and the IV that produced it.
type Encrypted struct {
	Header     Header
	IV         []byte
	Ciphertext []byte
}

// Encrypt advances the sending chain once and seals plaintext under
// AES-256-GCM with the derived message key.
func (s *State) Encrypt(plaintext []byte) (Encrypted, error) {
	newChain, msgKey := kdfCK(s.SendingChainKey)
	s.SendingChainKey = newChain

	header := Header{
		DHPublicKey:      s.DHSendingPublic,
		PreviousChainLen: s.PreviousChainLen,
		MessageNum:       s.SendingMsgNum,
	}
	s.SendingMsgNum++

	iv, ciphertext, err := aesGCMEncrypt([32]byte(msgKey), plaintext)
	if err != nil {
		return Encrypted{}, fmt.Errorf("ratchet: encrypt: %w", err)
	}
	return Encrypted{Header: header, IV: iv, Ciphertext: ciphertext}, nil
}

// Decrypt authenticates and decrypts a ratchet message. If the header
// carries a new peer public key, a DH ratchet step runs first. Messages
// arriving out of order have their intervening keys cached; decryption
// consults that cache before advancing the live receiving chain.
func (s *State) Decrypt(header Header, iv, ciphertext []byte) ([]byte, error) {
	if header.DHPublicKey != s.DHReceivingPublic {
		s.skipKeys(s.DHReceivingPublic, s.ReceivingMsgNum, header.PreviousChainLen)
		if err := s.DHRatchet(header.DHPublicKey); err != nil {
			return nil, fmt.Errorf("ratchet: dh ratchet: %w", err)
		}
	}

	if header.MessageNum > s.ReceivingMsgNum {
		s.skipKeys(header.DHPublicKey, s.ReceivingMsgNum, header.MessageNum)
	}

	id := skipKeyID{dh: header.DHPublicKey, num: header.MessageNum}
	if msgKey, ok := s.skipValues[id]; ok {
		s.removeSkipped(id)
		return aesGCMDecrypt([32]byte(msgKey), iv, ciphertext)
	}

	if header.MessageNum < s.ReceivingMsgNum {
		// Key was never cached (below our skip capacity's retained window)
		// or already consumed: the message cannot be decrypted.
		return nil, ErrCryptoFailure
	}

	newChain, msgKey := kdfCK(s.ReceivingChainKey)
	s.ReceivingChainKey = newChain
	// Track the next expected message number, not a simple decrypt count,
	// so a later out-of-order arrival computes the correct skip range even
	// when this message itself arrived ahead of the chain's natural order.
	s.ReceivingMsgNum = header.MessageNum + 1
	return aesGCMDecrypt([32]byte(msgKey), iv, ciphertext)
}

// skipKeys derives and caches message keys for [fromMsgNum, toMsgNum), the
// range skipped by an out-of-order or ratcheted arrival. The cache is an
// LRU bounded at s.skipCapacity entries ("evicted LRU with a
// hard cap to prevent unbounded growth from a hostile peer").
func (s *State) skipKeys(dh DHPublicKey, fromMsgNum, toMsgNum uint32) {
	chain := s.ReceivingChainKey
	for i := fromMsgNum; i < toMsgNum; i++ {
		var msgKey MessageKey
		chain, msgKey = kdfCK(chain)
		s.putSkipped(skipKeyID{dh: dh, num: i}, msgKey)
	}
	s.ReceivingChainKey = chain
}

func (s *State) putSkipped(id skipKeyID, key MessageKey) {
	if elem, ok := s.skipIndex[id]; ok {
		s.skipOrder.MoveToBack(elem)
		s.skipValues[id] = key
		return
	}
	elem := s.skipOrder.PushBack(id)
	s.skipIndex[id] = elem
	s.skipValues[id] = key

	for s.skipOrder.Len() > s.skipCapacity {
		oldest := s.skipOrder.Front()
		oldestID := oldest.Value.(skipKeyID)
		s.removeSkipped(oldestID)
	}
}

func (s *State) removeSkipped(id skipKeyID) {
	if elem, ok := s.skipIndex[id]; ok {
		s.skipOrder.Remove(elem)
		delete(s.skipIndex, id)
		delete(s.skipValues, id)
	}
}

// SkippedCount reports how many skipped-message keys are currently cached,
// for tests exercising the capacity boundary.
func (s *State) SkippedCount() int {
	return s.skipOrder.Len()
}

// Marshal serializes an Encrypted value for transport: the fixed-size
// header followed by a 4-byte IV length, the IV, and the ciphertext.
func (e Encrypted) Marshal() []byte {
	header := e.Header.Encode()
	buf := make([]byte, 0, len(header)+4+len(e.IV)+len(e.Ciphertext))
	buf = append(buf, header...)
	var ivLen [4]byte
	binary.BigEndian.PutUint32(ivLen[:], uint32(len(e.IV)))
	buf = append(buf, ivLen[:]...)
	buf = append(buf, e.IV...)
	buf = append(buf, e.Ciphertext...)
	return buf
}

// UnmarshalEncrypted parses the output of Encrypted.Marshal.
func UnmarshalEncrypted(buf []byte) (Encrypted, error) {
	const headerLen = keyLen + 8
	if len(buf) < headerLen+4 {
		return Encrypted{}, fmt.Errorf("ratchet: encrypted payload too short")
	}
	header, err := DecodeHeader(buf[:headerLen])
	if err != nil {
		return Encrypted{}, err
	}
	ivLen := binary.BigEndian.Uint32(buf[headerLen : headerLen+4])
	rest := buf[headerLen+4:]
	if uint32(len(rest)) < ivLen {
		return Encrypted{}, fmt.Errorf("ratchet: encrypted payload truncated")
	}
	iv := rest[:ivLen]
	ciphertext := rest[ivLen:]
	return Encrypted{Header: header, IV: iv, Ciphertext: ciphertext}, nil
}
