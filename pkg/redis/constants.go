package redis

import "time"

// Top-level key prefixes.
const (
	NamespaceCache  = "cache"
	NamespaceEvents = "fundpulse"
	NamespaceQueue  = "queue"
)

// Second-level key prefixes.
const (
	ContextStats  = "stats"
	ContextEvents = "events"
	ContextRelay  = "relay"
)

// TTLStatsSnapshot bounds how stale a cached live-stats snapshot can be.
const TTLStatsSnapshot = 5 * time.Minute

// DeadLetterMaxLen caps the relay dead-letter stream.
const DeadLetterMaxLen = 10000
