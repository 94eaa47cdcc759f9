package protocol

import "time"

// Secret is keyed by the composite (Accessor, Profile, Owner). Deletion
// is only authorized for Owner; storage deposit is refunded on delete.
type Secret struct {
	Accessor string `json:"accessor" gorm:"primary_key;index:idx_secret_key"`
	Profile  string `json:"profile" gorm:"primary_key;index:idx_secret_key"`
	Owner    string `json:"owner" gorm:"primary_key;index:idx_secret_key"`

	EncryptedBlob []byte `json:"-"`
	ConditionJSON string `json:"-"`

	// SenderPublicKey is the ephemeral NaCl box public key the owner
	// encrypted EncryptedBlob with, client-side, against
	// PublicKey(accessor). The keystore needs it back to open the box.
	SenderPublicKey []byte `json:"-"`

	StorageDeposit int64     `json:"storage_deposit"`
	Created        time.Time `json:"created"`
}

func (Secret) TableName() string { return "secrets" }

// Key is the composite lookup key for a secret.
type SecretKey struct {
	Accessor string
	Profile  string
	Owner    string
}
