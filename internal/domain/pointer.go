package domain

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// pointerHashPattern matches a pointer file's oid line. Anchored per-line so
// it can be applied to a whole pointer file's bytes at once, mirroring the
// original's re.MULTILINE POINTER_PATTERN.
var pointerHashPattern = regexp.MustCompile(`(?m)^oid sha256:([0-9a-fA-F]{64})$`)

// PointerFile is the decoded form of an LFS-style pointer blob: a handful of
// "key value" lines, the recognized keys being version, oid and size.
type PointerFile struct {
	Version string
	OID     string // "sha256:<64 hex>"
	Size    int64
}

// Hash returns the bare hex sha256 digest encoded in OID.
func (p PointerFile) Hash() string {
	return strings.TrimPrefix(p.OID, "sha256:")
}

// FormatPointerFile renders a pointer file's bytes. The version line is
// always first; this is the format Format/ParsePointerFile round-trip.
func FormatPointerFile(p PointerFile) []byte {
	version := p.Version
	if version == "" {
		version = "https://git-lfs.github.com/spec/v1"
	}
	return []byte(fmt.Sprintf("version %s\noid sha256:%s\nsize %d\n", version, p.Hash(), p.Size))
}

// ParsePointerFile decodes pointer file bytes. It tolerates any line order
// and ignores unrecognized keys, but requires an oid line matching the
// sha256 pattern.
func ParsePointerFile(b []byte) (PointerFile, error) {
	var p PointerFile
	found := false
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		switch key {
		case "version":
			p.Version = value
		case "oid":
			if !strings.HasPrefix(value, "sha256:") {
				continue
			}
			p.OID = value
			found = true
		case "size":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return PointerFile{}, fmt.Errorf("pointer file: invalid size %q: %w", value, err)
			}
			p.Size = n
		}
	}
	if !found {
		return PointerFile{}, &GeometryError{Reason: "pointer file has no oid line"}
	}
	return p, nil
}

// HashFromPointerFile extracts the sha256 hex digest from raw pointer-file
// bytes using the single anchored regular expression, without fully parsing
// the file. Returns "" if no oid line is present.
func HashFromPointerFile(b []byte) string {
	m := pointerHashPattern.FindSubmatch(b)
	if m == nil {
		return ""
	}
	return strings.ToLower(string(m[1]))
}

// LocalLFSPath returns the sharded local cache path for a sha256 hash H:
// <gitdir>/lfs/objects/H[0:2]/H[2:4]/H.
func LocalLFSPath(gitDir, hash string) (string, error) {
	if len(hash) != 64 {
		return "", fmt.Errorf("lfs: hash %q is not a 64-character sha256 hex digest", hash)
	}
	return path.Join(gitDir, "lfs", "objects", hash[0:2], hash[2:4], hash), nil
}

// TileBlobShard returns the 2-character shard prefix used for a tile's
// pointer-blob path inside the tree, hh = first two hex chars of a
// deterministic 64-bit hash of the tilename (see TilenameHash).
func TileBlobShard(tilename string) string {
	return fmt.Sprintf("%016x", TilenameHash(tilename))[:2]
}
