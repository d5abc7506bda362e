package ir

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// DigestAlgorithm tags the hash function used for an expected digest.
type DigestAlgorithm string

const (
	SHA256 DigestAlgorithm = "SHA-256"
	SHA512 DigestAlgorithm = "SHA-512"
)

// DefaultAlgorithm is used for every digest the engine computes itself.
const DefaultAlgorithm = SHA256

// New returns a fresh hash for the algorithm.
func (a DigestAlgorithm) New() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", a)
	}
}

// Sum digests r fully and returns the lowercase hex digest and the byte count.
func (a DigestAlgorithm) Sum(r io.Reader) (string, int64, error) {
	h, err := a.New()
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("digest: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// SumBytes digests b.
func (a DigestAlgorithm) SumBytes(b []byte) (string, error) {
	h, err := a.New()
	if err != nil {
		return "", err
	}
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MustSumBytes is like SumBytes but panics on an unknown algorithm.
// Use only in tests or with DefaultAlgorithm.
func (a DigestAlgorithm) MustSumBytes(b []byte) string {
	d, err := a.SumBytes(b)
	if err != nil {
		panic(err)
	}
	return d
}
