package types

import "errors"

// Error taxonomy shared across the indexing and embedding pipelines.
// Components wrap these sentinels with fmt.Errorf("...: %w", ...) so callers
// can classify failures with errors.Is.
var (
	// ErrDetection indicates the inbox filesystem could not be read. The
	// current job run aborts and the prior manifest is left untouched.
	ErrDetection = errors.New("change detection failed")

	// ErrChunking indicates malformed or empty extracted text. The file is
	// skipped and the job continues.
	ErrChunking = errors.New("chunking failed")

	// ErrProviderTransient indicates a retryable embedding provider failure
	// (rate limit, timeout, 5xx).
	ErrProviderTransient = errors.New("embedding provider transient error")

	// ErrProviderTokenOverflow indicates the provider rejected a request
	// because an input exceeded its token limit. Triggers the truncation
	// fallback loop.
	ErrProviderTokenOverflow = errors.New("embedding provider token overflow")

	// ErrProviderFatal indicates an unrecoverable provider failure (bad
	// credentials, exhausted quota). The job aborts its remaining batches
	// but preserves completed work.
	ErrProviderFatal = errors.New("embedding provider fatal error")
)
