package testkit

import (
	"context"

	"github.com/agenthands/dagstore/pkg/pack"
	"github.com/ipfs/go-cid"
)

// CountUniqueBlocks returns the number of unique CIDs stored across all sealed packs.
func CountUniqueBlocks(ctx context.Context, pm pack.Manager) (int, error) {
	unique := make(map[cid.Cid]struct{})

	for _, pid := range pm.ListSealedPacks() {
		err := pm.IteratePackBlocks(ctx, pid, func(c cid.Cid) error {
			unique[c] = struct{}{}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}

	return len(unique), nil
}

// CorruptPayload flips the bits of the first byte to simulate corruption.
func CorruptPayload(payload []byte) []byte {
	out := make([]byte, len(payload))
	copy(out, payload)
	if len(out) > 0 {
		out[0] ^= 0xFF
	}
	return out
}
