package reconciler

import "time"

type Config struct {
	// DriftInterval is the period of live state observation per target.
	DriftInterval  time.Duration
	ObserveTimeout time.Duration
	// ApplyTimeout bounds a single apply attempt.
	ApplyTimeout  time.Duration
	ApplyAttempts uint
	ApplyBackoff  time.Duration
	// ConfirmTimeout is how long a successful apply may stay unconfirmed by
	// observations before the target is degraded.
	ConfirmTimeout time.Duration
	// StaleAfter makes sync status Unknown when the last observation is older.
	StaleAfter time.Duration
	// ResyncInterval rereads the target list and latest revisions of every target.
	ResyncInterval time.Duration

	RetryBaseDelay        time.Duration
	RetryMaxDelay         time.Duration
	DisableScheduledRetry bool
}

func (c Config) withDefaults() Config {
	if c.DriftInterval <= 0 {
		c.DriftInterval = 30 * time.Second
	}
	if c.ObserveTimeout <= 0 {
		c.ObserveTimeout = 10 * time.Second
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 30 * time.Second
	}
	if c.ApplyAttempts == 0 {
		c.ApplyAttempts = 3
	}
	if c.ApplyBackoff <= 0 {
		c.ApplyBackoff = time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 5 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 3 * c.DriftInterval
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = 5 * time.Minute
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 30 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Minute
	}
	return c
}

// retryDelay grows exponentially with the number of retries already made.
func (c Config) retryDelay(retries int) time.Duration {
	delay := c.RetryBaseDelay
	for range retries {
		delay *= 2
		if delay >= c.RetryMaxDelay || delay <= 0 {
			return c.RetryMaxDelay
		}
	}
	return min(delay, c.RetryMaxDelay)
}
