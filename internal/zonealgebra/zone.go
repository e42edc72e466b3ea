// Package zonealgebra holds the pure helpers around zone naming and
// rrset grouping/validation: computing zone and FQDN names, grouping
// records by (name,type), and protecting the apex NS/SOA rrsets that
// the delegation machinery owns (spec §4.E).
package zonealgebra

import (
	"fmt"
	"strings"
)

// Record is a single DNS record within an rrset.
type Record struct {
	Name    string
	Type    string
	TTL     uint32
	Content string
}

// Group is the result of grouping records sharing an owner name and
// type: spec's rrset.
type Group struct {
	Name    string
	Type    string
	TTL     uint32
	Content []string
}

func key(name, typ string) string {
	return strings.ToLower(name) + "/" + strings.ToUpper(typ)
}

// ZoneName computes "{label}.{baseDomain}." — always trailing-dot.
func ZoneName(label, baseDomain string) string {
	return fmt.Sprintf("%s.%s.", label, strings.TrimSuffix(baseDomain, "."))
}

// EnsureFQDN appends a trailing dot if missing, and rejects empty names,
// names with an empty label, and labels longer than 63 characters. The
// characters within a label are not checked.
func EnsureFQDN(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("zonealgebra: empty FQDN")
	}
	fqdn := s
	if !strings.HasSuffix(fqdn, ".") {
		fqdn += "."
	}
	labels := strings.Split(strings.TrimSuffix(fqdn, "."), ".")
	for _, l := range labels {
		if l == "" {
			return "", fmt.Errorf("zonealgebra: empty label in %q", s)
		}
		if len(l) > 63 {
			return "", fmt.Errorf("zonealgebra: label %q exceeds 63 characters", l)
		}
	}
	return fqdn, nil
}

// IsApex reports whether name is the apex of zone, after trailing-dot
// and case normalization.
func IsApex(name, zone string) bool {
	return normalize(name) == normalize(zone)
}

func normalize(s string) string {
	s = strings.ToLower(s)
	if !strings.HasSuffix(s, ".") {
		s += "."
	}
	return s
}

// ErrMixedTTL is returned by GroupRecords when records sharing a (name,type)
// key disagree on TTL.
type ErrMixedTTL struct {
	Name string
	Type string
}

func (e *ErrMixedTTL) Error() string {
	return fmt.Sprintf("zonealgebra: mixed TTL within rrset %s %s", e.Name, e.Type)
}

// GroupRecords groups records by (name,type); every record sharing a
// key must share a TTL, else ErrMixedTTL. Insertion order of keys is
// preserved for deterministic output.
func GroupRecords(records []Record) ([]Group, error) {
	index := make(map[string]int)
	var groups []Group
	for _, r := range records {
		k := key(r.Name, r.Type)
		if i, ok := index[k]; ok {
			if groups[i].TTL != r.TTL {
				return nil, &ErrMixedTTL{Name: r.Name, Type: r.Type}
			}
			groups[i].Content = append(groups[i].Content, r.Content)
			continue
		}
		index[k] = len(groups)
		groups = append(groups, Group{Name: r.Name, Type: strings.ToUpper(r.Type), TTL: r.TTL, Content: []string{r.Content}})
	}
	return groups, nil
}

// ErrForbiddenApex is returned when a group targets the protected apex
// NS or SOA rrset of zone.
type ErrForbiddenApex struct {
	Name string
	Type string
}

func (e *ErrForbiddenApex) Error() string {
	return fmt.Sprintf("zonealgebra: apex %s rrset %s is protected", e.Type, e.Name)
}

// ForbidApexNSOrSOA returns an error if any group is the (zone, NS) or
// (zone, SOA) rrset — the rrsets the delegation machinery owns and the
// user may never touch directly (I5, P3).
func ForbidApexNSOrSOA(groups []Group, zone string) error {
	for _, g := range groups {
		if IsApex(g.Name, zone) && (g.Type == "NS" || g.Type == "SOA") {
			return &ErrForbiddenApex{Name: g.Name, Type: g.Type}
		}
	}
	return nil
}

// ErrOutsideZone is returned by CheckOwnership when a record's owner
// name is neither the zone apex nor a subdomain of it (P4, tenant
// isolation).
type ErrOutsideZone struct {
	Name string
	Zone string
}

func (e *ErrOutsideZone) Error() string {
	return fmt.Sprintf("zonealgebra: owner %q is outside zone %q", e.Name, e.Zone)
}

// CheckOwnership returns an error unless name equals zone or ends with
// "."+zone — i.e. is the apex or a strict subdomain of it.
func CheckOwnership(name, zone string) error {
	n, z := normalize(name), normalize(zone)
	if n == z || strings.HasSuffix(n, "."+z) {
		return nil
	}
	return &ErrOutsideZone{Name: name, Zone: zone}
}

// FilterVisible drops the apex NS and apex SOA groups — used for
// GET /api/zone so the user never sees the rrsets they cannot edit
// (I5).
func FilterVisible(groups []Group, zone string) []Group {
	visible := make([]Group, 0, len(groups))
	for _, g := range groups {
		if IsApex(g.Name, zone) && (g.Type == "NS" || g.Type == "SOA") {
			continue
		}
		visible = append(visible, g)
	}
	return visible
}
