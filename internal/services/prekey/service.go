package prekey

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cans/internal/crypto"
	"cans/internal/domain"
)

var errNoSignedPreKey = errors.New("no signed pre-key available")

// Service manages pre-key pairs for one unlocked identity and builds the
// public bundle published to the relay.
type Service struct {
	id domain.Identity
	ps domain.PreKeyStore
	// now is swapped in tests.
	now func() time.Time
}

// New returns a pre-key service for id backed by ps.
func New(id domain.Identity, ps domain.PreKeyStore) *Service {
	return &Service{id: id, ps: ps, now: time.Now}
}

// GenerateAndStorePreKeys creates a new signed pre-key, marks it current,
// adds count one-time pre-keys and returns the full bundle.
func (s *Service) GenerateAndStorePreKeys(count int) (domain.PreKeyBundle, error) {
	spkPriv, spkPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	spkID := domain.SignedPreKeyID(fmt.Sprintf("spk-%d", s.now().UnixNano()))
	sig := crypto.SignEd25519(s.id.EdPriv, spkPub[:])
	if err := s.ps.SaveSignedPreKey(spkID, spkPriv, spkPub, sig); err != nil {
		return domain.PreKeyBundle{}, err
	}
	if err := s.ps.SetCurrentSignedPreKeyID(spkID); err != nil {
		return domain.PreKeyBundle{}, err
	}
	if _, err := s.AddOneTimePreKeys(count); err != nil {
		return domain.PreKeyBundle{}, err
	}
	return s.CurrentBundle()
}

// AddOneTimePreKeys generates and stores count one-time pre-keys and
// returns their public halves.
func (s *Service) AddOneTimePreKeys(count int) ([]domain.OneTimePreKeyPublic, error) {
	pairs := make([]domain.OneTimePreKeyPair, 0, count)
	publics := make([]domain.OneTimePreKeyPublic, 0, count)
	for i := 0; i < count; i++ {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		id := domain.OneTimePreKeyID("opk-" + uuid.NewString())
		pairs = append(pairs, domain.OneTimePreKeyPair{ID: id, Priv: priv, Pub: pub})
		publics = append(publics, domain.OneTimePreKeyPublic{ID: id, Pub: pub})
	}
	if err := s.ps.SaveOneTimePreKeys(pairs); err != nil {
		return nil, err
	}
	return publics, nil
}

// CurrentBundle builds the public bundle from the current signed pre-key and
// every unused one-time pre-key.
func (s *Service) CurrentBundle() (domain.PreKeyBundle, error) {
	spkID, ok, err := s.ps.CurrentSignedPreKeyID()
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	if !ok {
		return domain.PreKeyBundle{}, errNoSignedPreKey
	}
	_, spkPub, sig, found, err := s.ps.LoadSignedPreKey(spkID)
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	if !found {
		return domain.PreKeyBundle{}, errNoSignedPreKey
	}
	oneTime, err := s.ps.ListOneTimePreKeyPublics()
	if err != nil {
		return domain.PreKeyBundle{}, err
	}

	return domain.PreKeyBundle{
		UserID:                crypto.UserID(s.id.EdPub),
		IdentityKey:           s.id.XPub,
		SigningKey:            s.id.EdPub,
		SignedPreKeyID:        spkID,
		SignedPreKey:          spkPub,
		SignedPreKeySignature: sig,
		OneTimePreKeys:        oneTime,
	}, nil
}

// Compile-time assertion that Service implements domain.PreKeyService.
var _ domain.PreKeyService = (*Service)(nil)
