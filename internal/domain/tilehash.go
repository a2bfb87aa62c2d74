package domain

import "hash/fnv"

// TilenameHash returns a deterministic 64-bit hash of a point-cloud tile's
// name, used to compute the 2-character shard prefix of its pointer-blob
// path (<layer>/.point-cloud-dataset.v1/tile/<hh>/<tilename>).
//
// The original implementation's hexhash() was not available in the
// retrieved source set; FNV-1a/64 is used here as a documented, standard
// library stand-in — see DESIGN.md.
func TilenameHash(tilename string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tilename))
	return h.Sum64()
}
