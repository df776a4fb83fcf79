package codec

import (
	"encoding/binary"
	"fmt"

	"cans/internal/domain"
)

const (
	// MaxIDLength bounds sender and recipient identifiers.
	MaxIDLength = 256
	// MaxPayload bounds a single envelope payload.
	MaxPayload = 1 << 20
	// MaxFrame is the largest encoded envelope.
	MaxFrame = fixedLen + 2*MaxIDLength + MaxPayload

	fixedLen = 2 + 2 + 1 + 8 + 4
)

// Encode serialises env. It fails only when a field exceeds its limit.
func Encode(env domain.Envelope) ([]byte, error) {
	if len(env.Sender) > MaxIDLength || len(env.Recipient) > MaxIDLength {
		return nil, fmt.Errorf("%w: identifier too long", domain.ErrMalformedEnvelope)
	}
	if len(env.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds %d",
			domain.ErrMalformedEnvelope, len(env.Payload), MaxPayload)
	}

	out := make([]byte, 0, fixedLen+len(env.Sender)+len(env.Recipient)+len(env.Payload))
	out = binary.BigEndian.AppendUint16(out, uint16(len(env.Sender)))
	out = append(out, env.Sender...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(env.Recipient)))
	out = append(out, env.Recipient...)
	out = append(out, byte(env.Kind))
	out = binary.BigEndian.AppendUint64(out, env.Sequence)
	out = binary.BigEndian.AppendUint32(out, uint32(len(env.Payload)))
	out = append(out, env.Payload...)
	return out, nil
}

// Decode parses one envelope. b must contain exactly one encoded envelope.
func Decode(b []byte) (domain.Envelope, error) {
	r := reader{buf: b}

	sender, err := r.id("sender")
	if err != nil {
		return domain.Envelope{}, err
	}
	recipient, err := r.id("recipient")
	if err != nil {
		return domain.Envelope{}, err
	}
	kind, err := r.take(1, "kind")
	if err != nil {
		return domain.Envelope{}, err
	}
	seq, err := r.take(8, "sequence")
	if err != nil {
		return domain.Envelope{}, err
	}
	plen, err := r.take(4, "payload length")
	if err != nil {
		return domain.Envelope{}, err
	}
	n := binary.BigEndian.Uint32(plen)
	if n > MaxPayload {
		return domain.Envelope{}, fmt.Errorf("%w: payload %d bytes exceeds %d",
			domain.ErrMalformedEnvelope, n, MaxPayload)
	}
	payload, err := r.take(int(n), "payload")
	if err != nil {
		return domain.Envelope{}, err
	}
	if r.off != len(r.buf) {
		return domain.Envelope{}, fmt.Errorf("%w: %d trailing bytes",
			domain.ErrMalformedEnvelope, len(r.buf)-r.off)
	}

	env := domain.Envelope{
		Sender:    domain.UserID(sender),
		Recipient: domain.UserID(recipient),
		Kind:      domain.Kind(kind[0]),
		Sequence:  binary.BigEndian.Uint64(seq),
	}
	if n > 0 {
		env.Payload = append([]byte(nil), payload...)
	}
	return env, nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) take(n int, field string) ([]byte, error) {
	if n < 0 || len(r.buf)-r.off < n {
		return nil, fmt.Errorf("%w: truncated %s", domain.ErrMalformedEnvelope, field)
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) id(field string) (string, error) {
	lb, err := r.take(2, field+" length")
	if err != nil {
		return "", err
	}
	n := int(binary.BigEndian.Uint16(lb))
	if n > MaxIDLength {
		return "", fmt.Errorf("%w: %s too long", domain.ErrMalformedEnvelope, field)
	}
	b, err := r.take(n, field)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
