// Package label implements the subdomain label validator and
// reserved-name policy shared by signup, the availability check, and
// any other input normalization (spec §4.A).
package label

import "strings"

// Reason identifies why a label was rejected.
type Reason string

const (
	ReasonEmpty           Reason = "empty"
	ReasonTooLong         Reason = "too_long"
	ReasonIllegalChar     Reason = "illegal_character"
	ReasonLeadingHyphen   Reason = "leading_hyphen"
	ReasonTrailingHyphen  Reason = "trailing_hyphen"
	ReasonDoubleHyphen    Reason = "double_hyphen"
	ReasonReserved        Reason = "reserved"
)

const maxLength = 63

// DefaultReserved is the minimum reserved set from spec §4.A. Operators
// may replace it wholesale at startup via Policy.Reserved.
var DefaultReserved = []string{
	"www", "mail", "ftp", "smtp", "email", "example", "invalid", "localhost", "test",
}

// Policy holds the operator-configured reserved set. The zero value uses
// DefaultReserved.
type Policy struct {
	Reserved map[string]struct{}
}

// NewPolicy builds a Policy from an explicit reserved list, replacing the
// default set entirely (spec: "the operator may replace the full set").
func NewPolicy(reserved []string) *Policy {
	set := make(map[string]struct{}, len(reserved))
	for _, r := range reserved {
		set[strings.ToLower(r)] = struct{}{}
	}
	return &Policy{Reserved: set}
}

// DefaultPolicy returns a Policy seeded with DefaultReserved.
func DefaultPolicy() *Policy {
	return NewPolicy(DefaultReserved)
}

// Result is the outcome of Validate.
type Result struct {
	OK     bool
	Reason Reason
}

func ok() Result { return Result{OK: true} }

func rejected(r Reason) Result { return Result{OK: false, Reason: r} }

// Validate decides whether label is a legal, non-reserved subdomain
// label per I1: matches [a-z0-9-]{1,63}, does not start or end with
// '-', does not contain "--", and is not reserved.
func (p *Policy) Validate(lbl string) Result {
	if lbl == "" {
		return rejected(ReasonEmpty)
	}
	if len(lbl) > maxLength {
		return rejected(ReasonTooLong)
	}
	for _, c := range lbl {
		if !isLabelChar(c) {
			return rejected(ReasonIllegalChar)
		}
	}
	if lbl[0] == '-' {
		return rejected(ReasonLeadingHyphen)
	}
	if lbl[len(lbl)-1] == '-' {
		return rejected(ReasonTrailingHyphen)
	}
	if strings.Contains(lbl, "--") {
		return rejected(ReasonDoubleHyphen)
	}
	reserved := p.Reserved
	if reserved == nil {
		reserved = DefaultPolicy().Reserved
	}
	if _, isReserved := reserved[strings.ToLower(lbl)]; isReserved {
		return rejected(ReasonReserved)
	}
	return ok()
}

func isLabelChar(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-'
}
