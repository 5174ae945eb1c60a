package election

import "time"

// Jitter scales base by 1 + u*(factor-1), where u is a uniform draw in [0, 1).
func Jitter(base time.Duration, factor, u float64) time.Duration {
	return time.Duration(float64(base) * (1 + u*(factor-1)))
}
