// Package status defines the TCB status levels reported by Intel for SGX
// platforms and quoting enclaves.
package status

import "fmt"

// TCBStatus is the status of a TCB level as reported in TCB Info and
// QE Identity collateral.
type TCBStatus string

const (
	// UpToDate means all TCB components are at the latest security version.
	UpToDate TCBStatus = "UpToDate"

	// SWHardeningNeeded means the platform firmware is current but software
	// mitigations are required inside the enclave.
	SWHardeningNeeded TCBStatus = "SWHardeningNeeded"

	// ConfigurationNeeded means the platform needs a configuration change
	// (e.g. disabling hyper-threading) to reach the current TCB.
	ConfigurationNeeded TCBStatus = "ConfigurationNeeded"

	// ConfigurationAndSWHardeningNeeded combines ConfigurationNeeded and
	// SWHardeningNeeded.
	ConfigurationAndSWHardeningNeeded TCBStatus = "ConfigurationAndSWHardeningNeeded"

	// OutOfDate means one or more TCB components are below the latest
	// security version.
	OutOfDate TCBStatus = "OutOfDate"

	// OutOfDateConfigurationNeeded combines OutOfDate and ConfigurationNeeded.
	OutOfDateConfigurationNeeded TCBStatus = "OutOfDateConfigurationNeeded"

	// Revoked means the TCB level or quoting enclave has been revoked by
	// Intel and must never be trusted.
	Revoked TCBStatus = "Revoked"
)

// rank orders statuses from best to worst. Unknown statuses rank below
// Revoked so they are never accepted.
var rank = map[TCBStatus]int{
	UpToDate:                          0,
	SWHardeningNeeded:                 1,
	ConfigurationNeeded:               2,
	ConfigurationAndSWHardeningNeeded: 3,
	OutOfDate:                         4,
	OutOfDateConfigurationNeeded:      5,
	Revoked:                           6,
}

// IsValid reports whether s is one of the known TCB statuses.
func (s TCBStatus) IsValid() bool {
	_, ok := rank[s]
	return ok
}

// AtLeast reports whether s is at least as trustworthy as floor.
// Revoked and unknown statuses never satisfy any floor.
func (s TCBStatus) AtLeast(floor TCBStatus) bool {
	sr, ok := rank[s]
	if !ok || s == Revoked {
		return false
	}
	fr, ok := rank[floor]
	if !ok {
		return false
	}
	return sr <= fr
}

// Worse returns the less trustworthy of a and b.
// An unknown status is always considered worse.
func Worse(a, b TCBStatus) TCBStatus {
	ra, okA := rank[a]
	rb, okB := rank[b]
	switch {
	case !okA:
		return a
	case !okB:
		return b
	case ra >= rb:
		return a
	default:
		return b
	}
}

// UnmarshalText parses a TCB status from its Intel collateral string form.
func (s *TCBStatus) UnmarshalText(text []byte) error {
	candidate := TCBStatus(text)
	if !candidate.IsValid() {
		return fmt.Errorf("unknown TCB status %q", text)
	}
	*s = candidate
	return nil
}

// MarshalText returns the Intel collateral string form of the status.
func (s TCBStatus) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("unknown TCB status %q", string(s))
	}
	return []byte(s), nil
}
