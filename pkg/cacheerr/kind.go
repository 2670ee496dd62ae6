// Package cacheerr defines the closed error taxonomy shared by every
// layercache component, so callers can branch on Kind instead of parsing
// messages.
package cacheerr

// Kind is a closed enumeration of error categories a cache operation can
// fail with.
type Kind string

const (
	KindUnknown              Kind = "unknown"
	KindNotFound             Kind = "not_found"
	KindInvalidArgument      Kind = "invalid_argument"
	KindInvalidKey           Kind = "invalid_key"
	KindKeyTooLong           Kind = "key_too_long"
	KindInvalidOptions       Kind = "invalid_options"
	KindInvalidTTL           Kind = "invalid_ttl"
	KindInvalidValue         Kind = "invalid_value"
	KindInvalidState         Kind = "invalid_state"
	KindTimeout              Kind = "timeout"
	KindProviderError        Kind = "provider_error"
	KindNoProvider           Kind = "no_provider"
	KindCircuitOpen          Kind = "circuit_open"
	KindSerializationError   Kind = "serialization_error"
	KindDeserializationError Kind = "deserialization_error"
	KindCompressionError     Kind = "compression_error"
	KindDataIntegrityError   Kind = "data_integrity_error"
	KindOperationError       Kind = "operation_error"
	KindBatchError           Kind = "batch_error"
	KindRateLimitExceeded    Kind = "rate_limit_exceeded"
	KindNetworkError         Kind = "network_error"
	KindOperationAborted     Kind = "operation_aborted"
)
