package cidutil

import (
	"bytes"
	"fmt"

	"github.com/agenthands/dagstore/pkg/core"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/zeebo/blake3"
)

// Digest computes the multihash of data with the hash function named by code.
func Digest(code uint64, data []byte) (multihash.Multihash, error) {
	if code == multihash.BLAKE3 {
		sum := blake3.Sum256(data)
		mh, err := multihash.Encode(sum[:], code)
		if err != nil {
			return nil, fmt.Errorf("failed to encode multihash: %w", err)
		}
		return mh, nil
	}

	mh, err := multihash.Sum(data, code, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to compute multihash: %w", err)
	}
	return mh, nil
}

// Builder defines the interface for creating and verifying CIDs.
type Builder interface {
	Sum(codec uint64, data []byte) (cid.Cid, error)
	Verify(c cid.Cid, data []byte) error
	HashCode() uint64
}

type builder struct {
	code uint64
}

// NewBuilder returns a Builder hashing with the given multihash code.
func NewBuilder(hashCode uint64) Builder {
	return &builder{code: hashCode}
}

func (b *builder) HashCode() uint64 {
	return b.code
}

func (b *builder) Sum(codec uint64, data []byte) (cid.Cid, error) {
	return Sum(codec, b.code, data)
}

func (b *builder) Verify(c cid.Cid, data []byte) error {
	return Verify(c, data)
}

// Sum builds a CIDv1 for data.
func Sum(codec, hashCode uint64, data []byte) (cid.Cid, error) {
	mh, err := Digest(hashCode, data)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(codec, mh), nil
}

// Verify checks that data hashes to the multihash inside c, using the hash
// function c names.
func Verify(c cid.Cid, data []byte) error {
	if !c.Defined() {
		return fmt.Errorf("%w: undefined CID", core.ErrInvalidInput)
	}

	dec, err := multihash.Decode(c.Hash())
	if err != nil {
		return fmt.Errorf("%w: invalid multihash: %v", core.ErrCorrupt, err)
	}

	got, err := Digest(dec.Code, data)
	if err != nil {
		return err
	}

	if !bytes.Equal(c.Hash(), got) {
		return fmt.Errorf("%w: %s", core.ErrInvalidHash, c.Hash().B58String())
	}
	return nil
}
