package panelmux

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewConversationID generates a conversation id of the form
// conv_<unix-millis>_<random>. The random suffix keeps ids distinct when two
// conversations start within the same millisecond.
func NewConversationID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("conv_%d_%s", time.Now().UnixMilli(), suffix)
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
