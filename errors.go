package panelmux

import (
	"errors"
	"fmt"
	"time"
)

// ErrHTTP is a non-2xx response from the completion endpoint or tool server.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration // parsed from the Retry-After header, 0 if absent
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrLLM is a provider-level failure that is not a plain HTTP status.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrNoReceiver reports that a tab has no panel listening. Transports must
// return it (or wrap it) when delivery fails because the receiving page is
// gone (closed panel, navigation in progress, extension reloaded). The
// Router prunes tabs on this error and keeps them on anything else.
var ErrNoReceiver = errors.New("no receiver")

// ErrNoAgent reports that the referenced agent does not exist.
var ErrNoAgent = errors.New("agent not found")

// ErrNoConversation reports that the referenced conversation does not exist.
var ErrNoConversation = errors.New("conversation not found")
