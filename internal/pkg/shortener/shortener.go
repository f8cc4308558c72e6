// Package shortener generates short random codes that people type by hand,
// such as the reference a customer writes on a bank transfer.
package shortener

import (
	"crypto/rand"
	"fmt"
)

// alphabet leaves out 0/O and 1/I/L, which get confused on bank statements.
const alphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// ReferencePrefix marks payment references.
const ReferencePrefix = "PB-"

// ReferenceLength is the number of random characters after the prefix.
const ReferenceLength = 8

// GenerateSecureSlug creates a cryptographically secure random slug over alphabet.
func GenerateSecureSlug(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid slug length: %d", length)
	}

	// Rejection sampling to avoid modulo bias.
	maxRandomByte := 256 - 256%len(alphabet)

	slug := make([]byte, length)
	buf := make([]byte, length*2)
	written := 0

	for written < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read secure random bytes: %w", err)
		}

		for _, b := range buf {
			if int(b) >= maxRandomByte {
				continue
			}
			slug[written] = alphabet[int(b)%len(alphabet)]
			written++
			if written == length {
				break
			}
		}
	}

	return string(slug), nil
}

// NewReferenceCode returns a code like PB-7KQ2M9XA.
func NewReferenceCode() (string, error) {
	slug, err := GenerateSecureSlug(ReferenceLength)
	if err != nil {
		return "", err
	}
	return ReferencePrefix + slug, nil
}
