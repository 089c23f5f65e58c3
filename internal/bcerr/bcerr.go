// Package bcerr defines the engine-wide error taxonomy from spec.md §7.
// Each Kind is a sentinel compared with errors.Is; components wrap it with
// fmt.Errorf("...: %w", Kind) to add local context without losing the kind.
package bcerr

import "errors"

// Kind classifies an error by how the rest of the engine must react to it,
// not by where it originated.
type Kind error

var (
	// InvalidPacket: drop the packet, bump a metric, never tear down the
	// carrier. Raised by the codec, fragmenter, and session layers.
	InvalidPacket Kind = errors.New("invalid packet")

	// SessionFailed: terminate the session and inform the UI; the next
	// send initiates a fresh session.
	SessionFailed Kind = errors.New("session failed")

	// TransportUnavailable: try fallbacks, else queue; report
	// DeliveryFailed once the queue entry expires.
	TransportUnavailable Kind = errors.New("transport unavailable")

	// Timeout: a state-specific terminal transition (handshake, rekey, or
	// delivery confirmation).
	Timeout Kind = errors.New("timeout")

	// RateLimited: drop silently, bump a metric.
	RateLimited Kind = errors.New("rate limited")

	// ResourceExhausted: a bounded structure evicted the oldest entry
	// rather than blocking the sender.
	ResourceExhausted Kind = errors.New("resource exhausted")

	// ConfigurationError: the only fatal class; refuse to start.
	ConfigurationError Kind = errors.New("configuration error")
)

// Is reports whether err ultimately wraps kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, kind)
}
