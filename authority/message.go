// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package authority

import (
	"bytes"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/tlv"
)

// SignatureSize is the size of a compact recoverable signature.
const SignatureSize = 65

// typeTag is the TLV type of the payload tag. Payload fields use types
// starting at one and strictly increasing.
const typeTag tlv.Type = 0

var (
	// ErrSignatureSize is returned for signatures that are not 65 bytes.
	ErrSignatureSize = errors.New("signature must be 65 bytes")

	// ErrSignerMismatch is returned when a signature recovers to an
	// account other than the claimed submitter.
	ErrSignerMismatch = errors.New("signature does not match submitter")
)

// Payload is a message an authority signs. Encode must be deterministic,
// the same bytes are reproduced by the verifier.
type Payload interface {
	Encode() ([]byte, error)
}

// Encode serializes the tagged records into a TLV stream. The tag keeps
// payloads of different kinds from colliding when their fields line up.
func Encode(tag string, records ...tlv.Record) ([]byte, error) {
	tagBytes := []byte(tag)
	all := make([]tlv.Record, 0, len(records)+1)
	all = append(all, tlv.MakePrimitiveRecord(typeTag, &tagBytes))
	all = append(all, records...)

	stream, err := tlv.NewStream(all...)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// IDRecord returns a TLV record for an account identifier.
func IDRecord(typ tlv.Type, id ID) tlv.Record {
	b := id[:]
	return tlv.MakePrimitiveRecord(typ, &b)
}

// RoundRecord returns a TLV record for a pool round.
func RoundRecord(typ tlv.Type, round Round) tlv.Record {
	r := uint32(round)
	return tlv.MakePrimitiveRecord(typ, &r)
}

// Digest returns the message hash that is signed for a payload.
func Digest(msg []byte) []byte {
	return chainhash.DoubleHashB(msg)
}

// Sign produces a compact recoverable signature over the payload.
func Sign(key *btcec.PrivateKey, p Payload) ([]byte, error) {
	msg, err := p.Encode()
	if err != nil {
		return nil, err
	}
	return ecdsa.SignCompact(key, Digest(msg), true), nil
}

// Recover returns the account that produced sig over msg.
func Recover(msg, sig []byte) (ID, error) {
	if len(sig) != SignatureSize {
		return ID{}, ErrSignatureSize
	}
	pub, _, err := ecdsa.RecoverCompact(sig, Digest(msg))
	if err != nil {
		return ID{}, err
	}
	return IDFromPubKey(pub), nil
}

// Verify checks that sig is a signature by signer over the payload.
func Verify(signer ID, p Payload, sig []byte) error {
	msg, err := p.Encode()
	if err != nil {
		return err
	}
	id, err := Recover(msg, sig)
	if err != nil {
		return err
	}
	if id != signer {
		return ErrSignerMismatch
	}
	return nil
}
