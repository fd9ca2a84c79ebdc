package constants

import "time"

// Default configuration constants
const (
	// DefaultPoolSize is the default number of pending requests shared by all connections
	DefaultPoolSize = 256

	// DefaultMaxSegments is the default maximum number of data segments per request
	DefaultMaxSegments = 16

	// MaxSegmentsPerRequest is the hard wire limit on segments in one request slot
	MaxSegmentsPerRequest = 16

	// MaxCommandSize is the largest command payload carried in a request slot
	MaxCommandSize = 256

	// SenseBufferSize is the largest auxiliary sense/error payload in a response
	SenseBufferSize = 96

	// PageSize is the size of one granted guest page
	PageSize = 4096

	// MaxRingPages is the largest number of pages a ring may span
	MaxRingPages = 16

	// MaxRingPageOrder is log2(MaxRingPages)
	MaxRingPageOrder = 4
)

// Timing constants for request lifecycle
const (
	// DefaultCommandTimeout is used when a request carries no timeout
	DefaultCommandTimeout = 15 * time.Minute

	// GrantRetryMaxDelay caps the delay of one retry round after a transient
	// grant failure. Rounds grow by GrantRetryStep, so an entry that stays
	// busy is failed after 1+2+...+255 ms, about 32.6s of backoff in total.
	GrantRetryMaxDelay = 256 * time.Millisecond

	// GrantRetryStep is the backoff increment between grant map retries
	GrantRetryStep = time.Millisecond
)

// Memory allocation constants
const (
	// BounceBufferMax is the largest bounce buffer handed to executors (all segments of one request)
	BounceBufferMax = MaxSegmentsPerRequest * PageSize
)
