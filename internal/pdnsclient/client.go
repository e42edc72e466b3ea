// Package pdnsclient is the typed façade over a single PowerDNS-compatible
// authoritative server's REST API (spec §4.D). The orchestrator holds
// two independent instances of Client, one per upstream ("base" and
// "sub") — never one client juggling both.
//
// Grounded on kubernetes-sigs-external-dns's provider/pdns wrapping
// style (retry-free, error taxonomy surfaced to the caller who decides
// whether to compensate) but implemented over the hand-written
// github.com/joeig/go-powerdns/v3 client rather than the generated
// ffledgling/pdns-go swagger client, since this module exposes a small
// fixed operation set rather than the full PowerDNS surface.
package pdnsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	powerdns "github.com/joeig/go-powerdns/v3"
)

// ChangeType mirrors PowerDNS's rrset changetype enum.
type ChangeType string

const (
	Replace ChangeType = "REPLACE"
	Delete  ChangeType = "DELETE"
)

// Record is one record within an rrset change.
type Record struct {
	Content  string
	Disabled bool
}

// RRSetChange is one entry of a PATCH /zones/{id} request body.
type RRSetChange struct {
	Name       string
	Type       string
	TTL        uint32 // ignored for Delete
	ChangeType ChangeType
	Records    []Record
}

// RRSet is a materialized rrset as returned by Get/List.
type RRSet struct {
	Name    string
	Type    string
	TTL     uint32
	Records []Record
}

// Error kinds surfaced upward; the orchestrator decides whether to
// compensate (signup) or to return the error directly (reads, NS-mode
// switches).
var (
	ErrNotFound     = errors.New("pdnsclient: not found")
	ErrConflict     = errors.New("pdnsclient: zone already exists")
	ErrUnreachable  = errors.New("pdnsclient: upstream unreachable")
)

// StatusError wraps an unexpected upstream HTTP status. The body is
// retained only for logging — handlers must never echo it to clients
// (spec §4.H).
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("pdnsclient: upstream returned status %d", e.Code)
}

// Client wraps one PowerDNS-compatible endpoint.
type Client struct {
	name string // "base" or "sub", for logging only
	api  *powerdns.Client
}

// New constructs a Client for one upstream endpoint.
func New(name, baseURL, serverID, apiKey string, httpClient *http.Client) *Client {
	headers := map[string]string{"X-API-Key": apiKey}
	return &Client{
		name: name,
		api:  powerdns.NewClient(baseURL, serverID, headers, httpClient),
	}
}

// CreateZone creates an empty (or initial-NS) zone. A pre-existing zone
// surfaces as ErrConflict.
func (c *Client) CreateZone(ctx context.Context, zoneName string, nameservers []string) error {
	kind := powerdns.NativeZoneKind
	_, err := c.api.Zones.Add(ctx, &powerdns.Zone{
		Name:        &zoneName,
		Kind:        &kind,
		Nameservers: nameservers,
	})
	return c.classify(err)
}

// DeleteZone deletes zoneName. Idempotent: an already-absent zone is
// treated as success so compensation can run unconditionally.
func (c *Client) DeleteZone(ctx context.Context, zoneName string) error {
	err := c.api.Zones.Delete(ctx, zoneName)
	if err != nil {
		classified := c.classify(err)
		if errors.Is(classified, ErrNotFound) {
			return nil
		}
		return classified
	}
	return nil
}

// GetZone fetches the full rrset list for zoneName.
func (c *Client) GetZone(ctx context.Context, zoneName string) ([]RRSet, error) {
	zone, err := c.api.Zones.Get(ctx, zoneName)
	if err != nil {
		return nil, c.classify(err)
	}
	return fromPowerDNSRRsets(zone.RRsets), nil
}

// ListRRsets fetches rrsets for zoneName, optionally filtered to a
// single type (empty string means all types).
func (c *Client) ListRRsets(ctx context.Context, zoneName, rrtype string) ([]RRSet, error) {
	rrsets, err := c.GetZone(ctx, zoneName)
	if err != nil {
		return nil, err
	}
	if rrtype == "" {
		return rrsets, nil
	}
	filtered := rrsets[:0]
	for _, rr := range rrsets {
		if rr.Type == rrtype {
			filtered = append(filtered, rr)
		}
	}
	return filtered, nil
}

// PatchRRsets applies a batch of REPLACE/DELETE rrset changes as a
// single PATCH request.
func (c *Client) PatchRRsets(ctx context.Context, zoneName string, changes []RRSetChange) error {
	rrsets := make([]powerdns.RRset, 0, len(changes))
	for _, ch := range changes {
		rrtype := powerdns.RRType(ch.Type)
		changetype := powerdns.ChangeType(ch.ChangeType)
		rrset := powerdns.RRset{
			Name:       &ch.Name,
			Type:       &rrtype,
			Changetype: &changetype,
		}
		if ch.ChangeType == Replace {
			ttl := ch.TTL
			rrset.TTL = &ttl
			for _, r := range ch.Records {
				content, disabled := r.Content, r.Disabled
				rrset.Records = append(rrset.Records, powerdns.Record{
					Content:  &content,
					Disabled: &disabled,
				})
			}
		}
		rrsets = append(rrsets, rrset)
	}
	err := c.api.Zones.Change(ctx, zoneName, &powerdns.Zone{RRsets: rrsets})
	return c.classify(err)
}

func (c *Client) classify(err error) error {
	if err == nil {
		return nil
	}
	var pdnsErr *powerdns.Error
	if errors.As(err, &pdnsErr) {
		switch pdnsErr.StatusCode {
		case http.StatusNotFound:
			return ErrNotFound
		case http.StatusConflict, http.StatusUnprocessableEntity:
			return ErrConflict
		default:
			return &StatusError{Code: pdnsErr.StatusCode, Body: pdnsErr.Message}
		}
	}
	return fmt.Errorf("%w (%s): %v", ErrUnreachable, c.name, err)
}

func fromPowerDNSRRsets(in []powerdns.RRset) []RRSet {
	out := make([]RRSet, 0, len(in))
	for _, rr := range in {
		var name, typ string
		var ttl uint32
		if rr.Name != nil {
			name = *rr.Name
		}
		if rr.Type != nil {
			typ = string(*rr.Type)
		}
		if rr.TTL != nil {
			ttl = *rr.TTL
		}
		records := make([]Record, 0, len(rr.Records))
		for _, r := range rr.Records {
			var content string
			var disabled bool
			if r.Content != nil {
				content = *r.Content
			}
			if r.Disabled != nil {
				disabled = *r.Disabled
			}
			records = append(records, Record{Content: content, Disabled: disabled})
		}
		out = append(out, RRSet{Name: name, Type: typ, TTL: ttl, Records: records})
	}
	return out
}
