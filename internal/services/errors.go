package services

import "errors"

// Failure taxonomy shared by the pipeline and its collaborators. The pipeline
// decides retry policy from these: only ErrUpstreamUnavailable is retried,
// ErrSearchUnavailable soft-fails a single sub-query, everything else is
// terminal for the run.
var (
	// ErrUpstreamUnavailable marks transient connection or timeout failures
	// against a model endpoint.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamRejected marks non-2xx API responses, e.g. bad schema or auth.
	ErrUpstreamRejected = errors.New("upstream rejected request")
	// ErrMalformedResponse marks model output that cannot be parsed into the
	// expected structured shape.
	ErrMalformedResponse = errors.New("malformed upstream response")
	// ErrSearchUnavailable marks a failed search call; the affected sub-query
	// is skipped and the run continues.
	ErrSearchUnavailable = errors.New("search unavailable")
	// ErrStoreWrite marks a persistence failure. A message referencing an
	// unwritten report must never become durable.
	ErrStoreWrite = errors.New("store write failed")
)
