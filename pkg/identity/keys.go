// Package identity implements the mesh core's Key Store: long-term identity
// keys, ephemeral keys, a prekey pool, and a cache of peer public keys.
package identity

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidKey     = errors.New("identity: invalid key material")
	ErrPeerNotCached  = errors.New("identity: peer public key not cached")
	ErrPrekeyNotFound = errors.New("identity: prekey not found")
)

const (
	agreementKeyLen = 32
	kdfOutputLen    = 64 // split into a 32-byte encryption key and a 32-byte MAC key
)

// KeyKind distinguishes an agreement pair (X25519) from a signing pair (Ed25519).
type KeyKind int

const (
	KindAgreement KeyKind = iota
	KindSigning
)

// AgreementKeyPair is an X25519 key-agreement key pair.
type AgreementKeyPair struct {
	Private [agreementKeyLen]byte
	Public  [agreementKeyLen]byte
}

// SigningKeyPair is an Ed25519 signing key pair.
type SigningKeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateAgreementKeyPair creates a fresh X25519 key pair.
func GenerateAgreementKeyPair() (AgreementKeyPair, error) {
	var kp AgreementKeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return kp, fmt.Errorf("generate agreement key: %w", err)
	}
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

// GenerateSigningKeyPair creates a fresh Ed25519 signing key pair.
func GenerateSigningKeyPair() (SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKeyPair{}, fmt.Errorf("generate signing key: %w", err)
	}
	return SigningKeyPair{Private: priv, Public: pub}, nil
}

// ECDH performs X25519 Diffie-Hellman and returns the 32-byte shared secret.
func ECDH(private, public [agreementKeyLen]byte) ([]byte, error) {
	shared, err := curve25519.X25519(private[:], public[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return shared, nil
}

// KDF derives a (cipher key, mac key) pair from a shared secret using
// HKDF-SHA256 with a 64-byte output split evenly.
func KDF(shared, salt, info []byte) (cipherKey, macKey [32]byte, err error) {
	h := hkdf.New(sha256.New, shared, salt, info)
	out := make([]byte, kdfOutputLen)
	if _, err = h.Read(out); err != nil {
		return cipherKey, macKey, fmt.Errorf("kdf: %w", err)
	}
	copy(cipherKey[:], out[:32])
	copy(macKey[:], out[32:64])
	return cipherKey, macKey, nil
}

// Identity derives the stable opaque identity string for a signing public
// key: a BLAKE2b-256 hash, hex encoded. At least 16 bytes of entropy per
// a hex encoding of the full 32-byte digest is used.
func Identity(signingPublic ed25519.PublicKey) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("identity hash: %w", err)
	}
	h.Write(signingPublic)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Sign signs data with an Ed25519 signing key.
func Sign(kp SigningKeyPair, data []byte) []byte {
	return ed25519.Sign(kp.Private, data)
}

// Verify checks an Ed25519 signature.
func Verify(public ed25519.PublicKey, data, sig []byte) bool {
	return ed25519.Verify(public, data, sig)
}

// ConstantTimeEqual reports whether two byte slices are equal without
// leaking timing information, used when comparing MACs and digests.
func ConstantTimeEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// Store is the node's key store: exactly one identity key and
// one signing key, a rotating ephemeral key, an indexed prekey pool, and a
// cache of peer public keys. Safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	self            string
	identityKey     AgreementKeyPair
	signingKey      SigningKeyPair
	ephemeralKey    AgreementKeyPair
	prekeys         map[uint32]AgreementKeyPair
	nextPrekeyIndex uint32

	peerAgreement map[string][agreementKeyLen]byte
	peerSigning   map[string]ed25519.PublicKey
}

// GenerateIdentity creates a brand-new Key Store: a fresh identity
// agreement key, a fresh signing key, and a fresh ephemeral key.
func GenerateIdentity() (*Store, error) {
	idKey, err := GenerateAgreementKeyPair()
	if err != nil {
		return nil, err
	}
	signKey, err := GenerateSigningKeyPair()
	if err != nil {
		return nil, err
	}
	eph, err := GenerateAgreementKeyPair()
	if err != nil {
		return nil, err
	}
	self, err := Identity(signKey.Public)
	if err != nil {
		return nil, err
	}
	return &Store{
		self:          self,
		identityKey:   idKey,
		signingKey:    signKey,
		ephemeralKey:  eph,
		prekeys:       make(map[uint32]AgreementKeyPair),
		peerAgreement: make(map[string][agreementKeyLen]byte),
		peerSigning:   make(map[string]ed25519.PublicKey),
	}, nil
}

// Self returns this node's own identity string.
func (s *Store) Self() string {
	return s.self
}

// IdentityKeyPair returns the long-term agreement key pair.
func (s *Store) IdentityKeyPair() AgreementKeyPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identityKey
}

// SigningKeyPair returns the long-term signing key pair.
func (s *Store) SigningKeyPair() SigningKeyPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.signingKey
}

// EphemeralKeyPair returns the current ephemeral key pair.
func (s *Store) EphemeralKeyPair() AgreementKeyPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ephemeralKey
}

// GenerateEphemeral rotates the ephemeral key, destroying the prior one.
func (s *Store) GenerateEphemeral() error {
	kp, err := GenerateAgreementKeyPair()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ephemeralKey = kp
	s.mu.Unlock()
	return nil
}

// GeneratePrekeys adds n fresh prekeys to the pool, indexed by small
// integers starting after the highest existing index.
func (s *Store) GeneratePrekeys(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		kp, err := GenerateAgreementKeyPair()
		if err != nil {
			return err
		}
		s.prekeys[s.nextPrekeyIndex] = kp
		s.nextPrekeyIndex++
	}
	return nil
}

// Prekey returns the prekey at the given index.
func (s *Store) Prekey(index uint32) (AgreementKeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kp, ok := s.prekeys[index]
	if !ok {
		return AgreementKeyPair{}, ErrPrekeyNotFound
	}
	return kp, nil
}

// PutPeerAgreement caches a peer's agreement public key, overwriting
// silently.
func (s *Store) PutPeerAgreement(peer string, public [agreementKeyLen]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerAgreement[peer] = public
}

// GetPeerAgreement returns a cached peer agreement public key.
func (s *Store) GetPeerAgreement(peer string) ([agreementKeyLen]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pub, ok := s.peerAgreement[peer]
	if !ok {
		return pub, ErrPeerNotCached
	}
	return pub, nil
}

// PutPeerSigning caches a peer's signing public key.
func (s *Store) PutPeerSigning(peer string, public ed25519.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerSigning[peer] = public
}

// GetPeerSigning returns a cached peer signing public key.
func (s *Store) GetPeerSigning(peer string) (ed25519.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pub, ok := s.peerSigning[peer]
	if !ok {
		return nil, ErrPeerNotCached
	}
	return pub, nil
}

// Ecdh does an ECDH between our identity key and a peer's cached agreement
// public key, a convenience wrapper around ECDH + GetPeerAgreement.
func (s *Store) Ecdh(peer string) ([]byte, error) {
	pub, err := s.GetPeerAgreement(peer)
	if err != nil {
		return nil, err
	}
	return ECDH(s.IdentityKeyPair().Private, pub)
}

// Bundle is the exportable public key bundle for this node: the keys a
// peer needs to start a ratchet session and route onion layers to us.
type Bundle struct {
	IdentityPublic  [agreementKeyLen]byte
	SigningPublic   ed25519.PublicKey
	EphemeralPublic [agreementKeyLen]byte
	Prekeys         map[uint32][agreementKeyLen]byte
}

// ExportBundle returns the public bundle other nodes need to establish a
// ratchet session and route onion layers to us.
func (s *Store) ExportBundle() Bundle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prekeys := make(map[uint32][agreementKeyLen]byte, len(s.prekeys))
	for idx, kp := range s.prekeys {
		prekeys[idx] = kp.Public
	}
	return Bundle{
		IdentityPublic:  s.identityKey.Public,
		SigningPublic:   s.signingKey.Public,
		EphemeralPublic: s.ephemeralKey.Public,
		Prekeys:         prekeys,
	}
}
