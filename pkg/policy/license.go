package policy

import (
	"fmt"
	"sort"

	"github.com/senhakan/appcenter-server/pkg/store"
)

const (
	LicenseLicensed   = "licensed"
	LicenseProhibited = "prohibited"
)

// ParseLicenseType validates a license_type value.
func ParseLicenseType(s string) error {
	if s != LicenseLicensed && s != LicenseProhibited {
		return fmt.Errorf("unknown license type %q", s)
	}
	return nil
}

// Install is one (agent, software name) observation from the inventory
// snapshot. Name is the normalized name when present, else the raw name.
type Install struct {
	AgentUUID string
	Name      string
}

// LicenseUsage is the computed compliance state of one license rule.
type LicenseUsage struct {
	LicenseID     uint   `json:"license_id"`
	Pattern       string `json:"pattern"`
	MatchType     string `json:"match_type"`
	LicenseType   string `json:"license_type"`
	TotalLicenses int    `json:"total_licenses"`
	Usage         int    `json:"usage"`
	Surplus       int    `json:"surplus"`
	IsViolation   bool   `json:"is_violation"`
}

// Evaluation summarizes a license report.
type Evaluation struct {
	Compliant        bool
	Violations       []string
	LicenseOverruns  int
	ProhibitedAlerts int
}

// Usage counts, for each active license, the distinct agents with at least
// one matching install. Output order follows license id.
func Usage(licenses []store.SoftwareLicense, installs []Install) []LicenseUsage {
	active := make([]store.SoftwareLicense, 0, len(licenses))
	for _, l := range licenses {
		if l.IsActive {
			active = append(active, l)
		}
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].ID < active[j].ID })

	// Canonicalize each distinct name once.
	keys := make(map[string]string, len(installs))
	for _, in := range installs {
		if _, ok := keys[in.Name]; !ok {
			keys[in.Name] = Canonicalize(in.Name)
		}
	}

	out := make([]LicenseUsage, 0, len(active))
	for _, l := range active {
		mt, err := ParseMatchType(l.MatchType)
		agents := map[string]struct{}{}
		if err == nil {
			pattern := Canonicalize(l.SoftwareNamePattern)
			for _, in := range installs {
				if matchCanonical(mt, pattern, keys[in.Name]) {
					agents[in.AgentUUID] = struct{}{}
				}
			}
		}
		out = append(out, newUsage(l, len(agents)))
	}
	return out
}

func newUsage(l store.SoftwareLicense, usage int) LicenseUsage {
	surplus := l.TotalLicenses - usage
	return LicenseUsage{
		LicenseID:     l.ID,
		Pattern:       l.SoftwareNamePattern,
		MatchType:     l.MatchType,
		LicenseType:   l.LicenseType,
		TotalLicenses: l.TotalLicenses,
		Usage:         usage,
		Surplus:       surplus,
		IsViolation:   isViolation(l.LicenseType, usage, surplus),
	}
}

func isViolation(licenseType string, usage, surplus int) bool {
	switch licenseType {
	case LicenseProhibited:
		return usage > 0
	case LicenseLicensed:
		return surplus < 0
	default:
		return false
	}
}

// Evaluate folds a usage report into a compliance summary.
func Evaluate(report []LicenseUsage) *Evaluation {
	eval := &Evaluation{
		Compliant:  true,
		Violations: []string{},
	}
	for _, u := range report {
		if !u.IsViolation {
			continue
		}
		eval.Compliant = false
		eval.Violations = append(eval.Violations, u.Pattern)
		if u.LicenseType == LicenseProhibited {
			eval.ProhibitedAlerts++
		} else {
			eval.LicenseOverruns++
		}
	}
	return eval
}

func (e *Evaluation) String() string {
	if e.Compliant {
		return "compliant"
	}
	return fmt.Sprintf("non-compliant: %v", e.Violations)
}
