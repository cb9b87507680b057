package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Blob is the JSON-serializable form of a Store, written to the `keys`
// namespace.
type Blob struct {
	Self             string                        `json:"self"`
	IdentityPrivate  [agreementKeyLen]byte         `json:"identity_private"`
	IdentityPublic   [agreementKeyLen]byte         `json:"identity_public"`
	SigningPrivate   ed25519.PrivateKey            `json:"signing_private"`
	SigningPublic    ed25519.PublicKey             `json:"signing_public"`
	EphemeralPrivate [agreementKeyLen]byte         `json:"ephemeral_private"`
	EphemeralPublic  [agreementKeyLen]byte         `json:"ephemeral_public"`
	NextPrekeyIndex  uint32                        `json:"next_prekey_index"`
	Prekeys          map[uint32]AgreementKeyPair   `json:"prekeys"`
	PeerAgreement    map[string][agreementKeyLen]byte `json:"peer_agreement"`
	PeerSigning      map[string]ed25519.PublicKey  `json:"peer_signing"`
}

// namespaceKeys is the Store interface namespace this package persists to.
const namespaceKeys = "keys"
const blobKey = "self"

// kvStore is the small subset of the backing store interface that
// identity.Store needs: Save and Load use only Put and Get, so any value
// with those two methods can back them.
type kvStore interface {
	Put(namespace, key string, value []byte) error
	Get(namespace, key string) ([]byte, bool, error)
}

// Save serializes the Key Store into the given backing store under
// namespace "keys".
func (s *Store) Save(backing kvStore) error {
	s.mu.RLock()
	blob := Blob{
		Self:             s.self,
		IdentityPrivate:  s.identityKey.Private,
		IdentityPublic:   s.identityKey.Public,
		SigningPrivate:   s.signingKey.Private,
		SigningPublic:    s.signingKey.Public,
		EphemeralPrivate: s.ephemeralKey.Private,
		EphemeralPublic:  s.ephemeralKey.Public,
		NextPrekeyIndex:  s.nextPrekeyIndex,
		Prekeys:          make(map[uint32]AgreementKeyPair, len(s.prekeys)),
		PeerAgreement:    make(map[string][agreementKeyLen]byte, len(s.peerAgreement)),
		PeerSigning:      make(map[string]ed25519.PublicKey, len(s.peerSigning)),
	}
	for k, v := range s.prekeys {
		blob.Prekeys[k] = v
	}
	for k, v := range s.peerAgreement {
		blob.PeerAgreement[k] = v
	}
	for k, v := range s.peerSigning {
		blob.PeerSigning[k] = v
	}
	s.mu.RUnlock()

	raw, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("identity: marshal store: %w", err)
	}
	return backing.Put(namespaceKeys, blobKey, raw)
}

// Load reconstructs a Key Store previously written by Save. It fails loudly
// on a missing or corrupt store: corruption of the node's own
// identity key on load is the one fatal error that refuses node startup.
func Load(backing kvStore) (*Store, error) {
	raw, ok, err := backing.Get(namespaceKeys, blobKey)
	if err != nil {
		return nil, fmt.Errorf("identity: load store: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("identity: no persisted key store found")
	}

	var blob Blob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("identity: corrupt key store: %w", err)
	}
	var derivedIdentityPublic [agreementKeyLen]byte
	curve25519.ScalarBaseMult(&derivedIdentityPublic, &blob.IdentityPrivate)
	if derivedIdentityPublic != blob.IdentityPublic || len(blob.SigningPrivate) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: corrupt key store: malformed key material")
	}

	s := &Store{
		self:            blob.Self,
		nextPrekeyIndex: blob.NextPrekeyIndex,
		prekeys:         make(map[uint32]AgreementKeyPair),
		peerAgreement:   make(map[string][agreementKeyLen]byte),
		peerSigning:     make(map[string]ed25519.PublicKey),
	}
	s.identityKey.Private = blob.IdentityPrivate
	s.identityKey.Public = blob.IdentityPublic
	s.signingKey.Private = blob.SigningPrivate
	s.signingKey.Public = blob.SigningPublic
	s.ephemeralKey.Private = blob.EphemeralPrivate
	s.ephemeralKey.Public = blob.EphemeralPublic
	for k, v := range blob.Prekeys {
		s.prekeys[k] = v
	}
	for k, v := range blob.PeerAgreement {
		s.peerAgreement[k] = v
	}
	for k, v := range blob.PeerSigning {
		s.peerSigning[k] = v
	}
	return s, nil
}
