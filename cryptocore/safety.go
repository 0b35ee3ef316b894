package cryptocore

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"strings"
)

const (
	safetyNumberGroups   = 12
	safetyNumberBits     = 20
	safetyNumberModulus  = 100000
	safetyNumberHashSize = 30
)

// GenerateSafetyNumber derives a fingerprint of both identity keys for
// out-of-band comparison. Keys are ordered by user id so both parties compute
// the same value. The result carries 60 digits in twelve groups of five,
// separated by single spaces (71 characters in total).
func GenerateSafetyNumber(ourIdentityKey, theirIdentityKey [32]byte, ourID, theirID string) string {
	first, second := ourIdentityKey, theirIdentityKey
	if ourID > theirID || (ourID == theirID && bytes.Compare(ourIdentityKey[:], theirIdentityKey[:]) > 0) {
		first, second = second, first
	}
	h := sha256.New()
	h.Write(first[:])
	h.Write(second[:])
	sum := h.Sum(nil)[:safetyNumberHashSize]

	groups := make([]string, 0, safetyNumberGroups)
	var acc uint64
	var bits uint
	for _, b := range sum {
		acc = acc<<8 | uint64(b)
		bits += 8
		if bits >= safetyNumberBits {
			bits -= safetyNumberBits
			v := (acc >> bits) & (1<<safetyNumberBits - 1)
			groups = append(groups, fmt.Sprintf("%05d", v%safetyNumberModulus))
			acc &= 1<<bits - 1
		}
	}
	return strings.Join(groups, " ")
}
