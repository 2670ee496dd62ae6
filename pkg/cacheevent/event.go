// Package cacheevent is the synchronous, typed event spine shared by every
// layercache component. Emission never blocks on I/O and never panics out
// of Bus.Emit: a misbehaving subscriber is logged and skipped.
package cacheevent

import "time"

// Kind is a closed enumeration of event kinds emitted by the cache.
type Kind string

const (
	KindGetHit             Kind = "get_hit"
	KindGetMiss            Kind = "get_miss"
	KindGetStale           Kind = "get_stale"
	KindSet                Kind = "set"
	KindDelete             Kind = "delete"
	KindClear              Kind = "clear"
	KindInvalidate         Kind = "invalidate"
	KindExpire             Kind = "expire"
	KindComputeStart       Kind = "compute_start"
	KindComputeSuccess     Kind = "compute_success"
	KindComputeError       Kind = "compute_error"
	KindRefreshStart       Kind = "refresh_start"
	KindRefreshSuccess     Kind = "refresh_success"
	KindRefreshError       Kind = "refresh_error"
	KindProviderInitialized Kind = "provider_initialized"
	KindProviderRemoved    Kind = "provider_removed"
	KindProviderError      Kind = "provider_error"
	KindMetadataUpdate     Kind = "metadata_update"
	KindMetadataDelete     Kind = "metadata_delete"
	KindMetadataClear      Kind = "metadata_clear"
	KindStatsUpdate        Kind = "stats_update"
	KindError              Kind = "error"

	// KindWildcard is not a real event kind and is never emitted; to
	// receive every event regardless of Kind, use SubscribeAll.
	KindWildcard Kind = "*"
)

// Event is the payload delivered to subscribers. Not every field is set
// for every Kind; see the component doc comments for which fields a given
// Kind populates.
type Event struct {
	Kind           Kind
	Timestamp      int64 // unix millis
	Key            string
	Provider       string
	Tag            string
	Reason         string
	Err            error
	Size           int64
	Duration       time.Duration
	BatchSize      int
	EntriesRemoved int
}
