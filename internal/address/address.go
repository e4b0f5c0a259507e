// Package address derives content-addressed cache keys. Key derivation is a
// pure function: identical logical inputs with identical processing
// parameters always produce identical keys, and any parameter that affects
// processor output is folded into the digest.
package address

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/transflow/transflow/pkg/errors"
	"github.com/transflow/transflow/pkg/types"
)

// AlgorithmVersion tags the processing algorithm revision. Bumping it
// invalidates every previously cached result without touching the stores.
const AlgorithmVersion = "v1"

// Addresser computes cache keys over canonicalized content.
type Addresser struct {
	version string
}

// New creates an Addresser for the current algorithm version.
func New() *Addresser {
	return &Addresser{version: AlgorithmVersion}
}

// NewWithVersion creates an Addresser for an explicit algorithm version.
func NewWithVersion(version string) *Addresser {
	return &Addresser{version: version}
}

// DeriveKey computes the cache key for a complete input. Surrounding
// metadata (file names, timestamps) is never part of the digest; only the
// content bytes, the algorithm version, and the processing parameters are.
// An empty input is a caller programming error.
func (a *Addresser) DeriveKey(content []byte, params types.ProcessParams) (types.CacheKey, error) {
	if len(content) == 0 {
		return types.CacheKey{}, errors.New(errors.ErrCodeInvalidInput, "empty content")
	}
	return a.digest(content, paramFrames(params)), nil
}

// DeriveChunkKey computes the cache key for one chunk of a larger input.
// The chunk's own bytes drive the digest, so byte-identical chunks hit the
// cache across different jobs and files.
func (a *Addresser) DeriveChunkKey(chunkContent []byte, params types.ProcessParams) (types.CacheKey, error) {
	if len(chunkContent) == 0 {
		return types.CacheKey{}, errors.New(errors.ErrCodeInvalidInput, "empty chunk content")
	}
	return a.digest(chunkContent, paramFrames(params)), nil
}

// digest hashes length-prefixed frames so no concatenation of fields can
// alias another logical input.
func (a *Addresser) digest(content []byte, extraFrames [][]byte) types.CacheKey {
	h := sha256.New()
	writeFrame(h.Write, []byte(a.version))
	writeFrame(h.Write, content)
	for _, f := range extraFrames {
		writeFrame(h.Write, f)
	}

	var key types.CacheKey
	copy(key[:], h.Sum(nil))
	return key
}

func paramFrames(params types.ProcessParams) [][]byte {
	// Sorted key=value pairs keep the digest independent of field order.
	pairs := []string{
		"format=" + params.Format,
		"language=" + params.Language,
		"model=" + params.Model,
	}
	sort.Strings(pairs)

	frames := make([][]byte, 0, len(pairs))
	for _, p := range pairs {
		frames = append(frames, []byte(p))
	}
	return frames
}

func writeFrame(write func([]byte) (int, error), data []byte) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(data)))
	_, _ = write(lenBuf[:])
	_, _ = write(data)
}

// StorageKey renders a cache key as an object-store path element, e.g.
// "sha256/ab/abcdef...".
func StorageKey(key types.CacheKey) string {
	hexKey := key.String()
	return fmt.Sprintf("sha256/%s/%s", hexKey[:2], hexKey)
}
