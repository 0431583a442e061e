package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrMalformed is returned when a payload is not a valid envelope encoding.
	ErrMalformed = errors.New("wire: malformed envelope")
	// ErrUnknownKind is returned when an envelope decodes but names no known message variant.
	ErrUnknownKind = errors.New("wire: unknown message kind")
)

// Field numbers of the envelope in protobuf wire format. Absent fields decode to their zero value, the same way
// proto3 treats them, so a Heartbeat never carries fields 5 or 6.
const (
	fieldFrom      protowire.Number = 1
	fieldChannel   protowire.Number = 2
	fieldKind      protowire.Number = 3
	fieldTerm      protowire.Number = 4
	fieldCandidate protowire.Number = 5
	fieldGranted   protowire.Number = 6
)

// Marshal encodes an envelope in protobuf wire format.
func Marshal(env *Envelope) ([]byte, error) {
	if env == nil || env.Msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}

	b := make([]byte, 0, 32+len(env.From))
	b = protowire.AppendTag(b, fieldFrom, protowire.BytesType)
	b = protowire.AppendString(b, env.From)
	b = protowire.AppendTag(b, fieldChannel, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.Channel))
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.Msg.Kind()))
	b = protowire.AppendTag(b, fieldTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, env.Msg.MessageTerm())

	switch m := env.Msg.(type) {
	case *Heartbeat:
	case *RequestVote:
		b = protowire.AppendTag(b, fieldCandidate, protowire.BytesType)
		b = protowire.AppendString(b, m.CandidateName)
	case *Ballot:
		b = protowire.AppendTag(b, fieldGranted, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(m.Granted))
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, env.Msg)
	}

	return b, nil
}

// Unmarshal decodes an envelope produced by Marshal. Unknown fields are skipped.
func Unmarshal(b []byte) (*Envelope, error) {
	var (
		from      string
		channel   uint64
		kind      uint64
		term      uint64
		candidate string
		granted   bool
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case (num == fieldFrom || num == fieldCandidate) && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			if num == fieldFrom {
				from = v
			} else {
				candidate = v
			}
			b = b[n:]
		case num >= fieldChannel && num <= fieldGranted && num != fieldCandidate && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			switch num {
			case fieldChannel:
				channel = v
			case fieldKind:
				kind = v
			case fieldTerm:
				term = v
			case fieldGranted:
				granted = protowire.DecodeBool(v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if channel > uint64(Ballots) {
		return nil, fmt.Errorf("%w: channel %d", ErrMalformed, channel)
	}
	if kind > uint64(KindBallot) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}

	env := &Envelope{From: from, Channel: Channel(channel)}
	switch Kind(kind) {
	case KindHeartbeat:
		env.Msg = &Heartbeat{Term: term}
	case KindRequestVote:
		env.Msg = &RequestVote{Term: term, CandidateName: candidate}
	case KindBallot:
		env.Msg = &Ballot{Granted: granted, TermEcho: term}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}

	return env, nil
}
