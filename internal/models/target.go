package models

import "fmt"

// Target identifies one unit of extraction work: an account, a keyword, or
// an (account, keyword) pair under the cartesian combining rule.
type Target struct {
	Account string `json:"account,omitempty"`
	Keyword string `json:"keyword,omitempty"`
}

// Key returns a stable string identity for shortfall and checkpoint maps
func (t Target) Key() string {
	switch {
	case t.Account != "" && t.Keyword != "":
		return fmt.Sprintf("%s/%s", t.Account, t.Keyword)
	case t.Account != "":
		return t.Account
	default:
		return t.Keyword
	}
}

// String implements fmt.Stringer
func (t Target) String() string {
	return t.Key()
}

// ExpandTargets derives the target list from a job spec. When both accounts
// and keywords are present the cartesian product is searched per pair;
// otherwise each entry is an independent target.
func ExpandTargets(spec *JobSpec) []Target {
	if len(spec.Accounts) > 0 && len(spec.Keywords) > 0 {
		targets := make([]Target, 0, len(spec.Accounts)*len(spec.Keywords))
		for _, account := range spec.Accounts {
			for _, keyword := range spec.Keywords {
				targets = append(targets, Target{Account: account, Keyword: keyword})
			}
		}
		return targets
	}

	targets := make([]Target, 0, len(spec.Accounts)+len(spec.Keywords))
	for _, account := range spec.Accounts {
		targets = append(targets, Target{Account: account})
	}
	for _, keyword := range spec.Keywords {
		targets = append(targets, Target{Keyword: keyword})
	}
	return targets
}
