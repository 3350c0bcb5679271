package usecase

import "time"

const (
	backoffBaseMinutes = 5
	backoffCapMinutes  = 1440
)

// retryBackoff returns the delay before the nth retry (n >= 1): 5 minutes
// doubled per attempt, capped at 24 hours.
func retryBackoff(retryCount int) time.Duration {
	minutes := backoffBaseMinutes
	for i := 1; i < retryCount; i++ {
		minutes *= 2
		if minutes >= backoffCapMinutes {
			minutes = backoffCapMinutes
			break
		}
	}
	return time.Duration(minutes) * time.Minute
}
