package types

import "strings"

// Service tiers, ordered from most to least urgent
const (
	TierEmergency      = "emergency"
	TierAppointment    = "appointment"
	TierCollection     = "collection"
	TierRenewal        = "renewal"
	TierNewApplication = "new_application"
	TierCorrection     = "correction"
)

// ServiceType is an immutable catalog entry
type ServiceType struct {
	Code            string `json:"code" yaml:"code"`
	Name            string `json:"name" yaml:"name"`
	Tier            string `json:"tier" yaml:"tier"`
	ExpectedMinutes int    `json:"expectedMinutes" yaml:"expected_minutes"`
}

// Family returns the leading segment of the service code, e.g. "passport"
// for "passport_renewal"
func (s ServiceType) Family() string {
	if i := strings.Index(s.Code, "_"); i > 0 {
		return s.Code[:i]
	}
	return s.Code
}

// DefaultServiceTypes is the built-in catalog, one entry per tier
var DefaultServiceTypes = []ServiceType{
	{Code: TierEmergency, Name: "Emergency document", Tier: TierEmergency, ExpectedMinutes: 12},
	{Code: TierAppointment, Name: "Pre-booked appointment", Tier: TierAppointment, ExpectedMinutes: 8},
	{Code: TierCollection, Name: "Document collection", Tier: TierCollection, ExpectedMinutes: 3},
	{Code: TierRenewal, Name: "Renewal", Tier: TierRenewal, ExpectedMinutes: 10},
	{Code: TierNewApplication, Name: "New application", Tier: TierNewApplication, ExpectedMinutes: 15},
	{Code: TierCorrection, Name: "Correction", Tier: TierCorrection, ExpectedMinutes: 20},
}

// Catalog is a read-only lookup of service types by code
type Catalog struct {
	byCode map[string]ServiceType
	order  []string
}

// NewCatalog builds a catalog from a list of service types
func NewCatalog(services []ServiceType) *Catalog {
	c := &Catalog{byCode: make(map[string]ServiceType, len(services))}
	for _, s := range services {
		if _, exists := c.byCode[s.Code]; !exists {
			c.order = append(c.order, s.Code)
		}
		c.byCode[s.Code] = s
	}
	return c
}

// Lookup returns the service type for a code. Unknown codes resolve to a
// placeholder whose tier is the code itself, which scores at the default weight.
func (c *Catalog) Lookup(code string) (ServiceType, bool) {
	s, ok := c.byCode[code]
	if !ok {
		return ServiceType{Code: code, Name: code, Tier: code, ExpectedMinutes: 10}, false
	}
	return s, true
}

// All returns every service type in registration order
func (c *Catalog) All() []ServiceType {
	out := make([]ServiceType, 0, len(c.order))
	for _, code := range c.order {
		out = append(out, c.byCode[code])
	}
	return out
}
