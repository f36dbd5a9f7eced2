package memori

import (
	"fmt"
	"strings"
)

// ConfigError reports invalid SDK configuration: bad attribution input,
// a missing driver factory, or an unusable option. Fatal at the call site.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "memori: " + e.Message
}

// defaultQuotaMessage is shown when the augmentation service rejects an
// anonymous caller without its own message body.
const defaultQuotaMessage = "your IP address is over quota; register for an API key now: https://app.memorilabs.ai/signup"

// QuotaExceededError signals that the anonymous augmentation quota is
// exhausted. The augmentation pool disables itself when it sees one and
// returns it again on every subsequent enqueue.
type QuotaExceededError struct {
	Message string
}

func (e *QuotaExceededError) Error() string {
	if e.Message == "" {
		return defaultQuotaMessage
	}
	return e.Message
}

// HTTPError is a non-2xx response from a remote service: the
// augmentation endpoint or a provider API.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrPayloadAdapter reports a provider payload no registered adapter can
// parse; the writer refuses to persist what it cannot interpret.
type ErrPayloadAdapter struct {
	Provider string
	Method   string
}

func (e *ErrPayloadAdapter) Error() string {
	return fmt.Sprintf("memori: no payload adapter for %s/%s", e.Provider, e.Method)
}

// isRestartTxn reports whether err is CockroachDB's serializable-conflict
// signal. These are the only storage errors the write and recall paths
// retry; everything else propagates.
func isRestartTxn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "restart transaction")
}
