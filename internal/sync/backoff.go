package sync

import "time"

// Defaults for operation-level retry across drain passes.
const (
	defaultMaxRetries   = 5
	defaultBaseDelay    = 30 * time.Second
	defaultMaxDelay     = 15 * time.Minute
	defaultPollInterval = 5 * time.Minute
)

// backoffDelay returns base * 2^(retry-1), capped at maxDelay. retry is the
// retry count after the failure being scheduled, so the first retry waits
// base.
func backoffDelay(retry int, base, maxDelay time.Duration) time.Duration {
	if retry < 1 {
		retry = 1
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}

	if d > maxDelay {
		return maxDelay
	}

	return d
}
