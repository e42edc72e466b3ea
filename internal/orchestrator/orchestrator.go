// Package orchestrator owns every cross-service state transition:
// signup, NS-mode switching, and zone record replacement (spec §4.F).
// It is the only component allowed to mutate both a PDNSClient and the
// Store in the same logical operation, and it is the forward-only saga
// with compensating deletes described in spec §9.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/satsukid/satsukid/internal/apierr"
	"github.com/satsukid/satsukid/internal/authn"
	"github.com/satsukid/satsukid/internal/pdnsclient"
	"github.com/satsukid/satsukid/internal/store"
	"github.com/satsukid/satsukid/internal/zonealgebra"
)

// PDNSClient is the capability interface the orchestrator depends on —
// deliberately the same small surface pdnsclient.Client exposes, kept
// as an interface so tests can substitute a fake (spec §9: "the PDNS
// client and user store are naturally expressible as capability
// interfaces").
type PDNSClient interface {
	CreateZone(ctx context.Context, zoneName string, nameservers []string) error
	DeleteZone(ctx context.Context, zoneName string) error
	GetZone(ctx context.Context, zoneName string) ([]pdnsclient.RRSet, error)
	ListRRsets(ctx context.Context, zoneName, rrtype string) ([]pdnsclient.RRSet, error)
	PatchRRsets(ctx context.Context, zoneName string, changes []pdnsclient.RRSetChange) error
}

// Store is the subset of *store.Store the orchestrator needs.
type Store interface {
	Create(ctx context.Context, lbl, passwordHash string, now time.Time) (*store.User, error)
	Get(ctx context.Context, lbl string) (*store.User, error)
	SetExternal(ctx context.Context, lbl string, nsList []string, now time.Time) error
	SetInternal(ctx context.Context, lbl string, now time.Time) error
	SetPassword(ctx context.Context, lbl, newHash string, now time.Time) error
}

// Clock is injected so tests control timestamps deterministically.
type Clock func() time.Time

// Orchestrator wires the base zone (parent), the sub zone (child) and
// the user store together.
type Orchestrator struct {
	base       PDNSClient
	sub        PDNSClient
	store      Store
	baseDomain string
	internalNS []string
	soaTemplate string
	now        Clock

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(base, sub PDNSClient, st Store, baseDomain string, internalNS []string, soaTemplate string) *Orchestrator {
	return &Orchestrator{
		base: base, sub: sub, store: st,
		baseDomain: baseDomain, internalNS: internalNS, soaTemplate: soaTemplate,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

// perLabelLock returns (creating if absent) the advisory mutex for lbl.
// Spec §5 makes this a SHOULD; this implementation treats it as a MUST
// since it is cheap in-process state that makes P2/P5 trivial to
// guarantee.
func (o *Orchestrator) perLabelLock(lbl string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	m, ok := o.locks[lbl]
	if !ok {
		m = &sync.Mutex{}
		o.locks[lbl] = m
	}
	return m
}

func (o *Orchestrator) zoneName(lbl string) string {
	return zonealgebra.ZoneName(lbl, o.baseDomain)
}

func (o *Orchestrator) delegationOwner(lbl string) string {
	return o.zoneName(lbl)
}

// Signup runs the four/five-step provisioning saga of spec §4.F.1.
// Any failure in steps 2-5 triggers compensations for all completed
// prior steps, in reverse order (P2: either all three of {user row,
// child zone, parent delegation} exist, or none do).
func (o *Orchestrator) Signup(ctx context.Context, lbl, password string) (*store.User, error) {
	mu := o.perLabelLock(lbl)
	mu.Lock()
	defer mu.Unlock()

	zone := o.zoneName(lbl)
	owner := o.delegationOwner(lbl)
	logEntry := logrus.WithFields(logrus.Fields{"label": lbl, "op": "signup"})

	// Step 1: hash the password.
	hash, err := authn.Hash(password)
	if err != nil {
		return nil, apierr.Internal(err, "hashing password")
	}

	// Step 2: create the child zone.
	logEntry.WithField("step", 2).Debug("creating child zone")
	if err := o.sub.CreateZone(ctx, zone, o.internalNS); err != nil {
		return nil, apierr.Upstream(err, "creating child zone %s", zone)
	}
	completed := 2

	compensate := func(failedStep int, cause error) error {
		o.compensateSignup(context.Background(), lbl, zone, owner, completed, logEntry)
		return cause
	}

	// Step 3: fix the child apex NS (and SOA, if operator-templated) so
	// I2 holds regardless of PDNS's zone-creation defaults.
	logEntry.WithField("step", 3).Debug("fixing child apex NS")
	apexChanges := []pdnsclient.RRSetChange{{
		Name: zone, Type: "NS", TTL: 300, ChangeType: pdnsclient.Replace,
		Records: nsRecords(o.internalNS),
	}}
	if o.soaTemplate != "" {
		apexChanges = append(apexChanges, pdnsclient.RRSetChange{
			Name: zone, Type: "SOA", TTL: 300, ChangeType: pdnsclient.Replace,
			Records: []pdnsclient.Record{{Content: o.soaTemplate}},
		})
	}
	if err := o.sub.PatchRRsets(ctx, zone, apexChanges); err != nil {
		return nil, compensate(3, apierr.Upstream(err, "fixing child apex for %s", zone))
	}

	// Step 4: delegate in the parent zone.
	logEntry.WithField("step", 4).Debug("delegating in parent zone")
	if err := o.base.PatchRRsets(ctx, o.baseDomain+".", []pdnsclient.RRSetChange{{
		Name: owner, Type: "NS", TTL: 300, ChangeType: pdnsclient.Replace,
		Records: nsRecords(o.internalNS),
	}}); err != nil {
		return nil, compensate(4, apierr.Upstream(err, "delegating %s in parent zone", owner))
	}
	completed = 4

	// Step 5: insert the user row.
	logEntry.WithField("step", 5).Debug("inserting user row")
	u, err := o.store.Create(ctx, lbl, hash, o.now())
	if err != nil {
		if err == store.ErrConflict {
			return nil, compensate(5, apierr.Conflict("label %q is already taken", lbl))
		}
		return nil, compensate(5, apierr.Internal(err, "inserting user row for %q", lbl))
	}

	logEntry.Info("signup complete")
	return u, nil
}

// compensateSignup undoes steps that completed before a later step
// failed, in reverse order. Each compensation is retried once
// in-process; remaining failures are logged (not surfaced — the
// outer response reflects the originating failure per spec §7) and
// run on a detached context so client disconnect cannot cancel them
// (spec §5).
func (o *Orchestrator) compensateSignup(ctx context.Context, lbl, zone, owner string, completed int, logEntry *logrus.Entry) {
	if completed >= 4 {
		retryOnce(func() error {
			return o.base.PatchRRsets(ctx, o.baseDomain+".", []pdnsclient.RRSetChange{{
				Name: owner, Type: "NS", ChangeType: pdnsclient.Delete,
			}})
		}, logEntry.WithField("compensate", "parent-delegation"))
	}
	if completed >= 2 {
		retryOnce(func() error {
			return o.sub.DeleteZone(ctx, zone)
		}, logEntry.WithField("compensate", "child-zone"))
	}
}

func retryOnce(fn func() error, logEntry *logrus.Entry) {
	err := fn()
	if err == nil {
		return
	}
	logEntry.WithError(err).Warn("compensation failed, retrying once")
	if err := fn(); err != nil {
		logEntry.WithError(err).Error("compensation failed after retry; system may be inconsistent until an operator intervenes")
	}
}

func nsRecords(ns []string) []pdnsclient.Record {
	recs := make([]pdnsclient.Record, len(ns))
	for i, n := range ns {
		recs[i] = pdnsclient.Record{Content: n}
	}
	return recs
}

// SwitchExternal implements spec §4.F.2.
func (o *Orchestrator) SwitchExternal(ctx context.Context, lbl string, nsList []string) error {
	if len(nsList) < 1 || len(nsList) > 6 {
		return apierr.Validation("external nameserver list must have 1..6 entries")
	}
	fqdns := make([]string, len(nsList))
	for i, ns := range nsList {
		fqdn, err := zonealgebra.EnsureFQDN(ns)
		if err != nil {
			return apierr.Validation("invalid nameserver %q: %v", ns, err)
		}
		fqdns[i] = fqdn
	}

	mu := o.perLabelLock(lbl)
	mu.Lock()
	defer mu.Unlock()

	prior, err := o.store.Get(ctx, lbl)
	if err != nil {
		if err == store.ErrMissing {
			return apierr.NotFound("label %q not found", lbl)
		}
		return apierr.Internal(err, "reading user %q", lbl)
	}

	owner := o.delegationOwner(lbl)
	if err := o.base.PatchRRsets(ctx, o.baseDomain+".", []pdnsclient.RRSetChange{{
		Name: owner, Type: "NS", TTL: 300, ChangeType: pdnsclient.Replace, Records: nsRecords(fqdns),
	}}); err != nil {
		return apierr.Upstream(err, "delegating %s externally", owner)
	}

	if err := o.store.SetExternal(ctx, lbl, fqdns, o.now()); err != nil {
		// The PDNS write succeeded but the store write failed: best-effort
		// revert the delegation to the value that was actually stored
		// before this call (spec §4.F.2, open question in §9).
		o.revertDelegation(context.Background(), lbl, owner, prior)
		return apierr.Internal(err, "persisting external ns for %q", lbl)
	}
	return nil
}

// SwitchInternal implements spec §4.F.3. The child zone's records are
// untouched: I2 already pins its apex NS to internalNS regardless of
// ns_mode, so this is a parent-only operation.
func (o *Orchestrator) SwitchInternal(ctx context.Context, lbl string) error {
	mu := o.perLabelLock(lbl)
	mu.Lock()
	defer mu.Unlock()

	owner := o.delegationOwner(lbl)
	if err := o.base.PatchRRsets(ctx, o.baseDomain+".", []pdnsclient.RRSetChange{{
		Name: owner, Type: "NS", TTL: 300, ChangeType: pdnsclient.Replace, Records: nsRecords(o.internalNS),
	}}); err != nil {
		return apierr.Upstream(err, "delegating %s internally", owner)
	}
	if err := o.store.SetInternal(ctx, lbl, o.now()); err != nil {
		if err == store.ErrMissing {
			return apierr.NotFound("label %q not found", lbl)
		}
		return apierr.Internal(err, "persisting internal ns for %q", lbl)
	}
	return nil
}

func (o *Orchestrator) revertDelegation(ctx context.Context, lbl, owner string, prior *store.User) {
	target := o.internalNS
	if prior != nil && prior.NSMode == store.External {
		target = prior.ExternalNS
	}
	logEntry := logrus.WithFields(logrus.Fields{"label": lbl, "op": "ns-mode-revert"})
	retryOnce(func() error {
		return o.base.PatchRRsets(ctx, o.baseDomain+".", []pdnsclient.RRSetChange{{
			Name: owner, Type: "NS", TTL: 300, ChangeType: pdnsclient.Replace, Records: nsRecords(target),
		}})
	}, logEntry)
}

// PutZone implements spec §4.F.4: canonicalize, reject out-of-zone or
// apex-protected records, group by (name,type), then emit a single
// PATCH replacing the target surface and deleting orphaned rrsets.
func (o *Orchestrator) PutZone(ctx context.Context, lbl string, records []zonealgebra.Record) error {
	zone := o.zoneName(lbl)

	canon := make([]zonealgebra.Record, len(records))
	for i, r := range records {
		fqdn, err := zonealgebra.EnsureFQDN(r.Name)
		if err != nil {
			return apierr.Validation("invalid record name %q: %v", r.Name, err)
		}
		if err := zonealgebra.CheckOwnership(fqdn, zone); err != nil {
			return apierr.Validation("%v", err)
		}
		canon[i] = zonealgebra.Record{Name: fqdn, Type: strings.ToUpper(r.Type), TTL: r.TTL, Content: r.Content}
	}

	groups, err := zonealgebra.GroupRecords(canon)
	if err != nil {
		return apierr.Validation("%v", err)
	}
	if err := zonealgebra.ForbidApexNSOrSOA(groups, zone); err != nil {
		return apierr.Validation("%v", err)
	}

	mu := o.perLabelLock(lbl)
	mu.Lock()
	defer mu.Unlock()

	existing, err := o.sub.GetZone(ctx, zone)
	if err != nil {
		return apierr.Upstream(err, "fetching existing records for %s", zone)
	}

	target := make(map[string]zonealgebra.Group, len(groups))
	for _, g := range groups {
		target[rrKey(g.Name, g.Type)] = g
	}

	var changes []pdnsclient.RRSetChange
	for _, g := range groups {
		changes = append(changes, pdnsclient.RRSetChange{
			Name: g.Name, Type: g.Type, TTL: g.TTL, ChangeType: pdnsclient.Replace,
			Records: toRecords(g.Content),
		})
	}
	for _, e := range existing {
		if zonealgebra.IsApex(e.Name, zone) && (e.Type == "NS" || e.Type == "SOA") {
			continue
		}
		if _, stillWanted := target[rrKey(e.Name, e.Type)]; !stillWanted {
			changes = append(changes, pdnsclient.RRSetChange{Name: e.Name, Type: e.Type, ChangeType: pdnsclient.Delete})
		}
	}

	if len(changes) == 0 {
		return nil
	}
	if err := o.sub.PatchRRsets(ctx, zone, changes); err != nil {
		return apierr.Upstream(err, "replacing records for %s", zone)
	}
	return nil
}

func rrKey(name, typ string) string { return name + "/" + typ }

func toRecords(contents []string) []pdnsclient.Record {
	recs := make([]pdnsclient.Record, len(contents))
	for i, c := range contents {
		recs[i] = pdnsclient.Record{Content: c}
	}
	return recs
}

// ZoneEntry is one flattened record in a GetZone response (spec
// §4.F.5): one per (name,type,content) triple, with an optional
// priority pulled out of MX/SRV content.
type ZoneEntry struct {
	Name     string `json:"name"`
	RRType   string `json:"rrtype"`
	TTL      uint32 `json:"ttl"`
	Content  string `json:"content"`
	Priority *int   `json:"priority"`
}

// GetZone implements spec §4.F.5.
func (o *Orchestrator) GetZone(ctx context.Context, lbl string) ([]ZoneEntry, error) {
	zone := o.zoneName(lbl)
	rrsets, err := o.sub.GetZone(ctx, zone)
	if err != nil {
		return nil, apierr.Upstream(err, "fetching records for %s", zone)
	}

	groups := make([]zonealgebra.Group, 0, len(rrsets))
	for _, rr := range rrsets {
		contents := make([]string, 0, len(rr.Records))
		for _, r := range rr.Records {
			if r.Disabled {
				continue
			}
			contents = append(contents, r.Content)
		}
		groups = append(groups, zonealgebra.Group{Name: rr.Name, Type: rr.Type, TTL: rr.TTL, Content: contents})
	}

	visible := zonealgebra.FilterVisible(groups, zone)
	var entries []ZoneEntry
	for _, g := range visible {
		for _, content := range g.Content {
			entry := ZoneEntry{Name: g.Name, RRType: g.Type, TTL: g.TTL, Content: content}
			if g.Type == "MX" || g.Type == "SRV" {
				if prio, rest, ok := splitPriority(content); ok {
					entry.Priority = &prio
					entry.Content = rest
				}
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func splitPriority(content string) (int, string, bool) {
	var prio int
	var rest string
	n, err := fmt.Sscanf(content, "%d %s", &prio, &rest)
	if err != nil || n != 2 {
		return 0, content, false
	}
	// Reconstruct rest including anything after the first space that
	// Sscanf's %s would otherwise truncate at whitespace.
	idx := indexFirstSpace(content)
	if idx < 0 {
		return 0, content, false
	}
	return prio, content[idx+1:], true
}

func indexFirstSpace(s string) int {
	for i, c := range s {
		if c == ' ' {
			return i
		}
	}
	return -1
}

// Delegation is one entry of the public directory listing (spec
// §4.F.6).
type Delegation struct {
	Name    string   `json:"name"`
	Records []string `json:"records"`
}

// ListDelegations implements spec §4.F.6: read-only, unauthenticated,
// no store access.
func (o *Orchestrator) ListDelegations(ctx context.Context) ([]Delegation, error) {
	rrsets, err := o.base.ListRRsets(ctx, o.baseDomain+".", "NS")
	if err != nil {
		return nil, apierr.Upstream(err, "listing parent delegations")
	}
	var out []Delegation
	for _, rr := range rrsets {
		d := Delegation{Name: rr.Name}
		for _, r := range rr.Records {
			d.Records = append(d.Records, r.Content)
		}
		out = append(out, d)
	}
	return out, nil
}

// ApexSOA returns the parent zone apex SOA rdata for GET /api/subdomain/soa.
func (o *Orchestrator) ApexSOA(ctx context.Context) (string, error) {
	rrsets, err := o.base.ListRRsets(ctx, o.baseDomain+".", "SOA")
	if err != nil {
		return "", apierr.Upstream(err, "fetching apex SOA")
	}
	for _, rr := range rrsets {
		if zonealgebra.IsApex(rr.Name, o.baseDomain+".") && len(rr.Records) > 0 {
			return rr.Records[0].Content, nil
		}
	}
	return "", apierr.NotFound("apex SOA not found")
}

// ChangePassword re-hashes and persists a new password for lbl.
func (o *Orchestrator) ChangePassword(ctx context.Context, lbl, newPassword string) error {
	mu := o.perLabelLock(lbl)
	mu.Lock()
	defer mu.Unlock()

	hash, err := authn.Hash(newPassword)
	if err != nil {
		return apierr.Internal(err, "hashing new password")
	}
	if err := o.store.SetPassword(ctx, lbl, hash, o.now()); err != nil {
		if err == store.ErrMissing {
			return apierr.NotFound("label %q not found", lbl)
		}
		return apierr.Internal(err, "persisting new password for %q", lbl)
	}
	return nil
}

