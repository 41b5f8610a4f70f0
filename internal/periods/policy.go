package periods

// JobPolicy relaxes the gate for background jobs that are read-only or not
// financially dated. Reconciliation-style jobs keep the strict default.
type JobPolicy struct {
	CheckPeriod     bool
	AllowedInClosed bool
	AllowedInLocked bool
	AllowOverride   bool
}

// PolicyRegistry maps job names to their gate policy. The registry is built
// once at process start and injected; it is never mutated afterwards.
type PolicyRegistry map[string]JobPolicy

// strictPolicy is applied to job names the registry does not know about.
var strictPolicy = JobPolicy{CheckPeriod: true}

// For returns the policy for the named job, defaulting to the strictest one.
func (r PolicyRegistry) For(job string) JobPolicy {
	if policy, ok := r[job]; ok {
		return policy
	}
	return strictPolicy
}

// DefaultJobPolicies covers the built-in background jobs.
func DefaultJobPolicies() PolicyRegistry {
	return PolicyRegistry{
		"inventory:reorder-scan":  {CheckPeriod: false},
		"inventory:revaluation":   {CheckPeriod: true, AllowedInClosed: true},
		"maintenance:idempotency": {CheckPeriod: false},
	}
}
