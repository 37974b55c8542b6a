package dfu

import (
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/lunca-labs/fpga-dfu/config"
	"github.com/lunca-labs/fpga-dfu/spiflash"
)

// BLAKE2bManifestDigest returns a ManifestDigest hook that reads the
// just-written partition back through flash and hashes it with a
// keyed BLAKE2b-256, resolving the open question of manifest-time
// image integrity checking with a hash comparison rather than a
// signature scheme (full signed-image verification is out of scope).
//
// key may be nil for an unkeyed digest.
func BLAKE2bManifestDigest(key []byte) ManifestDigest {
	return func(flash *spiflash.Flash, partition config.Partition) ([]byte, error) {
		h, err := blake2b.New256(key)
		if err != nil {
			return nil, fmt.Errorf("dfu: blake2b init: %w", err)
		}

		const chunkSize = 4096

		for off := uint32(0); off < partition.Length; off += chunkSize {
			n := chunkSize
			if remaining := int(partition.Length - off); remaining < n {
				n = remaining
			}
			h.Write(flash.ReadMainArray(partition.Base+off, n))
		}

		return h.Sum(nil), nil
	}
}
