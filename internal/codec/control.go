package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"cans/internal/domain"
)

var ccbor cbor.EncMode

func init() {
	var err error
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	ccbor, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v as canonical CBOR.
func Marshal(v any) ([]byte, error) {
	return ccbor.Marshal(v)
}

// Unmarshal decodes a CBOR control payload into v.
func Unmarshal(b []byte, v any) error {
	if err := cbor.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
	}
	return nil
}

// Control builds an envelope whose payload is the CBOR encoding of body.
func Control(
	sender, recipient domain.UserID,
	kind domain.Kind,
	seq uint64,
	body any,
) (domain.Envelope, error) {
	env := domain.Envelope{Sender: sender, Recipient: recipient, Kind: kind, Sequence: seq}
	if body == nil {
		return env, nil
	}
	p, err := Marshal(body)
	if err != nil {
		return domain.Envelope{}, err
	}
	env.Payload = p
	return env, nil
}

// AckFor builds the ack a recipient returns for a queued envelope.
func AckFor(self domain.UserID, env domain.Envelope) (domain.Envelope, error) {
	return Control(self, env.Sender, domain.KindAck, env.Sequence, domain.Ack{Kind: env.Kind, Digest: env.Digest()})
}

// AckKey recovers the acknowledged envelope's key and payload digest from an
// ack envelope. The digest is nil when the ack did not carry one.
func AckKey(ack domain.Envelope) (domain.EnvelopeKey, []byte, error) {
	var body domain.Ack
	if err := Unmarshal(ack.Payload, &body); err != nil {
		return domain.EnvelopeKey{}, nil, err
	}
	return domain.EnvelopeKey{Sender: ack.Recipient, Kind: body.Kind, Sequence: ack.Sequence}, body.Digest, nil
}

// ErrorFor builds the error notice the relay returns for a rejected envelope.
func ErrorFor(env domain.Envelope, cause error) domain.Envelope {
	out, err := Control(domain.RelayID, env.Sender, domain.KindError, env.Sequence, domain.ErrorNotice{
		Code:     domain.ErrorCode(cause),
		Message:  cause.Error(),
		Kind:     env.Kind,
		Sequence: env.Sequence,
	})
	if err != nil {
		// ErrorNotice always encodes; keep the envelope routable regardless.
		return domain.Envelope{Sender: domain.RelayID, Recipient: env.Sender, Kind: domain.KindError, Sequence: env.Sequence}
	}
	return out
}
