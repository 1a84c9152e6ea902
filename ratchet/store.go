package ratchet

// Direction is the direction of a message for which an identity's trust is
// being checked.
type Direction int

const (
	DirectionSending Direction = iota + 1
	DirectionReceiving
)

func (d Direction) String() string {
	switch d {
	case DirectionSending:
		return "sending"
	case DirectionReceiving:
		return "receiving"
	default:
		return "unknown"
	}
}

// IdentityKeyStore stores the local identity and the identities of remote
// users.
type IdentityKeyStore interface {
	IdentityKeyPair() (*IdentityKeyPair, error)
	LocalRegistrationID() (uint32, error)

	// SaveIdentity stores the identity for the user of addr. It returns
	// true if this replaced a different existing identity.
	SaveIdentity(addr Address, key IdentityKey) (bool, error)
	IsTrustedIdentity(addr Address, key IdentityKey, dir Direction) (bool, error)

	// Identity returns the stored identity for the user of addr or nil.
	Identity(addr Address) (*IdentityKey, error)
}

// PreKeyStore stores one-time pre-keys. LoadPreKey returns an error
// wrapping ErrInvalidKeyID for unknown ids.
type PreKeyStore interface {
	LoadPreKey(id uint32) (*PreKeyRecord, error)
	StorePreKey(id uint32, rec *PreKeyRecord) error
	ContainsPreKey(id uint32) (bool, error)
	RemovePreKey(id uint32) error
}

// SignedPreKeyStore stores signed pre-keys. LoadSignedPreKey returns an
// error wrapping ErrInvalidKeyID for unknown ids.
type SignedPreKeyStore interface {
	LoadSignedPreKey(id uint32) (*SignedPreKeyRecord, error)
	LoadSignedPreKeys() ([]*SignedPreKeyRecord, error)
	StoreSignedPreKey(id uint32, rec *SignedPreKeyRecord) error
	ContainsSignedPreKey(id uint32) (bool, error)
	RemoveSignedPreKey(id uint32) error
}

// SessionStore stores session records. LoadSession returns a fresh record
// when none exists.
type SessionStore interface {
	LoadSession(addr Address) (*SessionRecord, error)
	SubDeviceSessions(name string) ([]uint32, error)
	StoreSession(addr Address, rec *SessionRecord) error
	ContainsSession(addr Address) (bool, error)
	DeleteSession(addr Address) error
	DeleteAllSessions(name string) error
}

// ProtocolStore is everything needed to build and use sessions.
//
// LockAddress serializes session operations for all devices of a user. The
// ciphers in this package hold it while loading, using and storing a
// session; store methods themselves do not take it.
type ProtocolStore interface {
	IdentityKeyStore
	PreKeyStore
	SignedPreKeyStore
	SessionStore

	LockAddress(name string) (unlock func())
}
