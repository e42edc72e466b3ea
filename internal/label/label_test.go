package label

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

// P1 (label purity): validate(s) is true iff s matches the canonical
// regex, contains no "--", and is not reserved.
var canonical = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?$`)

func TestValidate_MatchesCanonicalRegex(t *testing.T) {
	p := DefaultPolicy()
	cases := []string{
		"alice", "bob-2", "a", "x-y-z", "", "-leading", "trailing-",
		"double--hyphen", "UPPER", "has_underscore", "www",
		"012345678901234567890123456789012345678901234567890123456789123",
	}
	for _, s := range cases {
		res := p.Validate(s)
		wantOK := canonical.MatchString(s) && !contains(s, "--") && !isReserved(s)
		assert.Equalf(t, wantOK, res.OK, "label %q", s)
	}
}

func TestValidate_Reasons(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, ReasonEmpty, p.Validate("").Reason)
	assert.Equal(t, ReasonLeadingHyphen, p.Validate("-abc").Reason)
	assert.Equal(t, ReasonTrailingHyphen, p.Validate("abc-").Reason)
	assert.Equal(t, ReasonDoubleHyphen, p.Validate("ab--c").Reason)
	assert.Equal(t, ReasonReserved, p.Validate("mail").Reason)
	assert.Equal(t, ReasonIllegalChar, p.Validate("Alice").Reason)
	assert.True(t, p.Validate("alice").OK)
}

func TestValidate_TooLong(t *testing.T) {
	p := DefaultPolicy()
	long := make([]byte, 64)
	for i := range long {
		long[i] = 'a'
	}
	assert.Equal(t, ReasonTooLong, p.Validate(string(long)).Reason)
}

func TestNewPolicy_ReplacesReservedSet(t *testing.T) {
	p := NewPolicy([]string{"onlythis"})
	assert.True(t, p.Validate("mail").OK, "default reserved set must not leak through a custom policy")
	assert.False(t, p.Validate("onlythis").OK)
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func isReserved(s string) bool {
	for _, r := range DefaultReserved {
		if s == r {
			return true
		}
	}
	return false
}
