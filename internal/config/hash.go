package config

import "hash/fnv"

// hashBytes is the content hash used to skip republishing unchanged configs.
func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
