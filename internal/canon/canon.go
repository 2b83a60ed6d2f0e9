// Package canon provides the single canonical-encoding-and-hash routine
// used everywhere this module needs a deterministic digest over a
// structured value: chain block linking (priorHash) and the messageHash
// a commit's cluster record is keyed and signed on.
//
// JSON needs explicit key-order canonicalization before it hashes the
// same everywhere, so we take the binary route and reuse go-ethereum's
// RLP encoder instead: it has no field-order ambiguity (struct fields
// encode in declaration order, always), and it is the same encoding
// go-ethereum itself uses to hash blocks and transactions.
package canon

import (
	"crypto/sha256"

	"github.com/ethereum/go-ethereum/rlp"
)

// DigestSize is the width, in bytes, of every digest this package
// produces: 32 bytes (SHA-256).
const DigestSize = 32

// Encode canonically serializes v. v must be RLP-encodable: structs of
// exported fields, slices, byte slices, strings and unsigned integers
// (RLP has no encoding for signed integers). Field order is the struct's declaration order, which
// is what makes the encoding deterministic across peers compiled from
// the same type definitions.
func Encode(v any) ([]byte, error) {
	return rlp.EncodeToBytes(v)
}

// Hash canonically encodes v and returns its SHA-256 digest.
func Hash(v any) ([32]byte, error) {
	enc, err := Encode(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(enc), nil
}

// HashBytes canonically encodes v and returns its SHA-256 digest as a
// slice, for callers that don't want a fixed-size array.
func HashBytes(v any) ([]byte, error) {
	h, err := Hash(v)
	if err != nil {
		return nil, err
	}
	return h[:], nil
}

// DecodeInto reverses Encode, decoding enc into out (which must be a
// pointer to the same type structure that produced enc).
func DecodeInto(enc []byte, out any) error {
	return rlp.DecodeBytes(enc, out)
}
