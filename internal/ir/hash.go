package ir

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// DomainQuery separates query hashes from any other digest computed over
// canonical JSON. The version suffix allows changing the algorithm later.
const DomainQuery = "reactor/query/v1"

// hashWithDomain computes BLAKE3(domain || 0x00 || data).
func hashWithDomain(domain string, data []byte) string {
	h := blake3.New()
	_, _ = h.Write([]byte(domain))
	_, _ = h.Write([]byte{0x00})
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// QueryHash returns the stable identity of q. Equal queries hash equally
// regardless of key order or Unicode normalization.
func QueryHash(q IRObject) (string, error) {
	canonical, err := MarshalCanonical(q)
	if err != nil {
		return "", fmt.Errorf("query hash: %w", err)
	}
	return hashWithDomain(DomainQuery, canonical), nil
}

// MustQueryHash is like QueryHash but panics on error. IRObject values can
// only fail to hash when they contain foreign IRValue implementations.
func MustQueryHash(q IRObject) string {
	h, err := QueryHash(q)
	if err != nil {
		panic(err)
	}
	return h
}
