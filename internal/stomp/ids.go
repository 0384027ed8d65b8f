package stomp

import (
	"crypto/rand"
	"fmt"
)

// newUUID returns a random version-4 UUID, used for session and message
// identifiers.
func newUUID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on the standard library's Reader only fails if the
		// OS entropy source is broken beyond recovery; there is no sane
		// fallback, so surface a recognisably bogus but non-panicking id.
		return "00000000-0000-0000-0000-000000000000"
	}
	buf[6] = (buf[6] & 0x0f) | 0x40
	buf[8] = (buf[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", buf[0:4], buf[4:6], buf[6:8], buf[8:10], buf[10:])
}
