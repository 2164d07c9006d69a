package keystone

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/awnumar/memguard"
)

var organizationIDRegex = regexp.MustCompile(`^[a-zA-Z0-9\-_.]+$`)

// newKeyID builds a key identifier from the organization prefix, a
// millisecond timestamp and a random suffix. The combination keeps IDs
// practically collision-free without coordinating with the store.
func newKeyID(organizationID string) string {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		// Fall back to nanosecond timestamp if random fails
		return fmt.Sprintf("key_%s_%d", organizationID, time.Now().UnixNano())
	}
	return fmt.Sprintf("key_%s_%d_%s", organizationID, time.Now().UnixMilli(), hex.EncodeToString(buf))
}

// wipe zeroes sensitive byte slices in place.
func wipe(data []byte) {
	if len(data) > 0 {
		memguard.WipeBytes(data)
	}
}

func validateOrgAndPurpose(organizationID string, purpose KeyPurpose) error {
	if organizationID == "" {
		return fmt.Errorf("%w: organization ID cannot be empty", ErrInvalidInput)
	}
	if len(organizationID) > 128 {
		return fmt.Errorf("%w: organization ID too long", ErrInvalidInput)
	}
	if !organizationIDRegex.MatchString(organizationID) {
		return fmt.Errorf("%w: organization ID contains invalid characters", ErrInvalidInput)
	}
	if !purpose.Valid() {
		return fmt.Errorf("%w: unknown purpose %q", ErrInvalidInput, purpose)
	}
	return nil
}

// daysSince returns whole elapsed days between two instants.
func daysSince(since, now time.Time) int {
	if now.Before(since) {
		return 0
	}
	return int(now.Sub(since).Hours() / 24)
}
