package watchdog

// Counter counts consecutive failed checks. It fires once when the count
// reaches Threshold and stays latched until Reset.
type Counter struct {
	ConsecutiveFailures int
	Threshold           int

	fired bool
}

// NewCounter creates a counter that fires on the threshold-th consecutive failure
func NewCounter(threshold int) *Counter {
	if threshold < 1 {
		threshold = 1
	}
	return &Counter{Threshold: threshold}
}

// Observe records one check outcome and reports whether this outcome fired
// the counter. A success resets the count. Once fired, Observe returns false
// until Reset.
func (c *Counter) Observe(ok bool) bool {
	if c.fired {
		return false
	}
	if ok {
		c.ConsecutiveFailures = 0
		return false
	}

	c.ConsecutiveFailures++
	if c.ConsecutiveFailures >= c.Threshold {
		c.fired = true
		return true
	}
	return false
}

// Fired reports whether the counter has fired since the last Reset
func (c *Counter) Fired() bool {
	return c.fired
}

// Reset clears the count and re-arms the counter
func (c *Counter) Reset() {
	c.ConsecutiveFailures = 0
	c.fired = false
}
