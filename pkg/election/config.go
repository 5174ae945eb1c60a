package election

import (
	"errors"
	"fmt"
	"time"
)

// Default timing values.
const (
	DefaultLeaseDuration = 15 * time.Second
	DefaultRenewDeadline = 10 * time.Second
	DefaultRetryPeriod   = 2 * time.Second
	DefaultJitterFactor  = 1.2
	DefaultResourceName  = "leaders"
)

// Config holds the settings of one election group.
type Config struct {
	// Group is the name of the election domain.
	Group string

	// Identity identifies this process among the members.
	Identity string

	// Namespace holds the lease and the members. Empty selects the gateway default.
	Namespace string

	// ResourceName names the lease resource.
	ResourceName string

	// LabelSelector selects the candidate members.
	LabelSelector string

	// LeaseDuration is how long a lease stays valid without renewal.
	LeaseDuration time.Duration

	// RenewDeadline is the validity a leader reports after renewing.
	RenewDeadline time.Duration

	// RetryPeriod is the base delay between steady-state refreshes.
	RetryPeriod time.Duration

	// JitterFactor scales RetryPeriod by a random factor in [1, JitterFactor].
	JitterFactor float64

	// Disabled starts the controller without competing for leadership.
	Disabled bool
}

// DefaultConfig returns recommended configuration values.
func DefaultConfig(group, identity string) Config {
	return Config{
		Group:         group,
		Identity:      identity,
		ResourceName:  DefaultResourceName,
		LeaseDuration: DefaultLeaseDuration,
		RenewDeadline: DefaultRenewDeadline,
		RetryPeriod:   DefaultRetryPeriod,
		JitterFactor:  DefaultJitterFactor,
	}
}

// Validate checks that the configuration can drive a controller.
func (c Config) Validate() error {
	if c.Group == "" {
		return errors.New("group name is required")
	}
	if c.Identity == "" {
		return errors.New("identity is required")
	}
	if c.ResourceName == "" {
		return errors.New("resource name is required")
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("lease duration must be positive, got %v", c.LeaseDuration)
	}
	if c.RenewDeadline <= 0 {
		return fmt.Errorf("renew deadline must be positive, got %v", c.RenewDeadline)
	}
	if c.RenewDeadline >= c.LeaseDuration {
		return fmt.Errorf("renew deadline %v must be shorter than lease duration %v", c.RenewDeadline, c.LeaseDuration)
	}
	if c.RetryPeriod <= 0 {
		return fmt.Errorf("retry period must be positive, got %v", c.RetryPeriod)
	}
	if c.JitterFactor <= 1 {
		return fmt.Errorf("jitter factor must be greater than 1, got %v", c.JitterFactor)
	}
	// A leader renews on the first refresh after the renew deadline, which can
	// come up to one jittered retry period late.
	if maxRetry := time.Duration(float64(c.RetryPeriod) * c.JitterFactor); c.RenewDeadline+maxRetry >= c.LeaseDuration {
		return fmt.Errorf("renew deadline %v plus jittered retry period %v must be shorter than lease duration %v",
			c.RenewDeadline, maxRetry, c.LeaseDuration)
	}
	return nil
}
