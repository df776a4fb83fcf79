package types

import "slices"

// OneTimePreKeyPair is the full (private+public) one-time pre-key stored locally.
type OneTimePreKeyPair struct {
	ID   OneTimePreKeyID `json:"id"`
	Priv X25519Private   `json:"priv"`
	Pub  X25519Public    `json:"pub"`
}

// OneTimePreKeyPublic is only the public half (sent in bundles).
type OneTimePreKeyPublic struct {
	ID  OneTimePreKeyID `json:"id"`
	Pub X25519Public    `json:"pub"`
}

// PreKeyBundle is the set of public keys a user publishes to the relay.
// When fetched by a peer it carries at most one one-time pre-key.
type PreKeyBundle struct {
	UserID                UserID                `json:"user_id"`
	IdentityKey           X25519Public          `json:"identity_key"`
	SigningKey            Ed25519Public         `json:"signing_key"`
	SignedPreKeyID        SignedPreKeyID        `json:"signed_pre_key_id"`
	SignedPreKey          X25519Public          `json:"signed_pre_key"`
	SignedPreKeySignature []byte                `json:"signed_pre_key_signature"`
	OneTimePreKeys        []OneTimePreKeyPublic `json:"one_time_pre_keys,omitempty"`
}

// PreKeyMessage carries the X3DH handshake parameters in the initiator's
// handshake-init payload.
type PreKeyMessage struct {
	InitiatorIdentityKey X25519Public    `json:"initiator_identity_key"`
	InitiatorSigningKey  Ed25519Public   `json:"initiator_signing_key"`
	EphemeralKey         X25519Public    `json:"ephemeral_key"`
	SignedPreKeyID       SignedPreKeyID  `json:"signed_pre_key_id"`
	OneTimePreKeyID      OneTimePreKeyID `json:"one_time_pre_key_id,omitempty"`
}

// MergeBundle folds an uploaded bundle into the one already held: the
// identity and signed pre-key fields are replaced, and one-time pre-keys are
// appended unless their ID is already present.
func MergeBundle(held, upload PreKeyBundle) PreKeyBundle {
	seen := make(map[OneTimePreKeyID]bool, len(held.OneTimePreKeys))
	opks := make([]OneTimePreKeyPublic, 0, len(held.OneTimePreKeys)+len(upload.OneTimePreKeys))
	for _, k := range held.OneTimePreKeys {
		seen[k.ID] = true
		opks = append(opks, k)
	}
	for _, k := range upload.OneTimePreKeys {
		if !seen[k.ID] {
			seen[k.ID] = true
			opks = append(opks, k)
		}
	}
	upload.OneTimePreKeys = opks
	return upload
}

// OfferBundle returns the bundle handed to one requester, carrying at most
// the first one-time pre-key held.
func OfferBundle(held PreKeyBundle) PreKeyBundle {
	out := held
	out.OneTimePreKeys = nil
	if len(held.OneTimePreKeys) > 0 {
		out.OneTimePreKeys = []OneTimePreKeyPublic{held.OneTimePreKeys[0]}
	}
	return out
}

// DropOneTimePreKey returns held without the one-time pre-key id.
func DropOneTimePreKey(held PreKeyBundle, id OneTimePreKeyID) PreKeyBundle {
	held.OneTimePreKeys = slices.DeleteFunc(slices.Clone(held.OneTimePreKeys), func(k OneTimePreKeyPublic) bool {
		return k.ID == id
	})
	return held
}
