package types

// RatchetHeader is sent alongside every ciphertext.
type RatchetHeader struct {
	DiffieHellmanPublicKey X25519Public `json:"dh_pub"`
	PreviousChainLength    uint32       `json:"pn"`
	MessageIndex           uint32       `json:"n"`
}

// RatchetState contains all fields the Double Ratchet needs to track.
// Callers treat it as opaque and serialise access per peer.
type RatchetState struct {
	RootKey                 []byte            `json:"root_key"`
	DiffieHellmanPrivate    X25519Private     `json:"dh_priv"`
	DiffieHellmanPublic     X25519Public      `json:"dh_pub"`
	PeerDiffieHellmanPublic X25519Public      `json:"peer_dh_pub"`
	SendChainKey            []byte            `json:"send_ck,omitempty"`
	ReceiveChainKey         []byte            `json:"recv_ck,omitempty"`
	SendMessageIndex        uint32            `json:"ns"`
	ReceiveMessageIndex     uint32            `json:"nr"`
	PreviousChainLength     uint32            `json:"pn"`
	SkippedKeys             map[string][]byte `json:"skipped_keys,omitempty"`

	// AssociatedData binds every message to both identities.
	AssociatedData []byte `json:"ad"`
	// PeerSigningKey is the peer's Ed25519 key as authenticated by the
	// handshake; its fingerprint is the peer's UserID.
	PeerSigningKey Ed25519Public `json:"peer_signing_key"`
}

// Clone returns a deep copy so a failed decrypt can be discarded without
// touching the live state.
func (s *RatchetState) Clone() *RatchetState {
	if s == nil {
		return nil
	}
	out := *s
	out.RootKey = append([]byte(nil), s.RootKey...)
	out.SendChainKey = append([]byte(nil), s.SendChainKey...)
	out.ReceiveChainKey = append([]byte(nil), s.ReceiveChainKey...)
	out.AssociatedData = append([]byte(nil), s.AssociatedData...)
	out.SkippedKeys = make(map[string][]byte, len(s.SkippedKeys))
	for k, v := range s.SkippedKeys {
		out.SkippedKeys[k] = append([]byte(nil), v...)
	}
	return &out
}
