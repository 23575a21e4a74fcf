package features

import "fmt"

// Family groups checks by the input they need.
type Family string

const (
	FamilyAddress  Family = "address"
	FamilyContent  Family = "content"
	FamilyExternal Family = "external"
)

// CheckFunc derives one feature value from a page. A non-nil error means the
// value could not be determined; the extractor records it and uses Unknown.
type CheckFunc func(p *Page) (Ternary, error)

// Check is one named entry of the registry.
type Check struct {
	Name   Name
	Family Family
	Fn     CheckFunc
}

// Registry is an ordered, validated list of checks.
type Registry struct {
	checks []Check
}

// NewRegistry validates that checks covers the canonical set exactly once and
// orders the checks canonically.
func NewRegistry(checks []Check) (*Registry, error) {
	ordered := make([]Check, Count)
	seen := make([]bool, Count)
	for _, c := range checks {
		i, ok := index[c.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownFeature, c.Name)
		}
		if seen[i] {
			return nil, fmt.Errorf("feature %s registered twice", c.Name)
		}
		if c.Fn == nil {
			return nil, fmt.Errorf("feature %s has no check", c.Name)
		}
		seen[i] = true
		ordered[i] = c
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("feature %s has no check", canonical[i])
		}
	}
	return &Registry{checks: ordered}, nil
}

// Checks returns the registry entries in canonical order.
func (r *Registry) Checks() []Check {
	out := make([]Check, len(r.checks))
	copy(out, r.checks)
	return out
}

// Family returns the family of n.
func (r *Registry) Family(n Name) (Family, bool) {
	i, ok := index[n]
	if !ok {
		return "", false
	}
	return r.checks[i].Family, true
}

// DefaultChecks is the built-in check table.
func DefaultChecks() []Check {
	return []Check{
		{UsingIP, FamilyAddress, checkUsingIP},
		{LongURL, FamilyAddress, checkLongURL},
		{ShortURL, FamilyAddress, checkShortURL},
		{SymbolAt, FamilyAddress, checkSymbolAt},
		{DoubleSlashRedirect, FamilyAddress, checkDoubleSlash},
		{PrefixSuffix, FamilyAddress, checkPrefixSuffix},
		{SubDomains, FamilyAddress, checkSubDomains},
		{HTTPS, FamilyAddress, checkHTTPS},
		{DomainRegLen, FamilyAddress, checkDomainRegLen},
		{RequestURL, FamilyContent, checkRequestURL},
		{URLOfAnchor, FamilyContent, checkURLOfAnchor},
		{LinksInTags, FamilyContent, checkLinksInTags},
		{SFH, FamilyContent, checkSFH},
		{SubmittingToEmail, FamilyContent, checkSubmittingToEmail},
		{AbnormalURL, FamilyContent, checkAbnormalURL},
		{WebsiteForwarding, FamilyContent, checkWebsiteForwarding},
		{StatusBarCust, FamilyContent, checkStatusBarCust},
		{DisablingRightClick, FamilyContent, checkDisablingRightClick},
		{UsingPopupWindow, FamilyContent, checkUsingPopupWindow},
		{Iframe, FamilyContent, checkIframe},
		{AgeOfDomain, FamilyExternal, checkExternal},
		{DNSRecording, FamilyExternal, checkExternal},
		{WebsiteTraffic, FamilyExternal, checkExternal},
		{PageRank, FamilyExternal, checkExternal},
		{GoogleIndex, FamilyExternal, checkExternal},
		{LinksPointingToPage, FamilyContent, checkLinksPointingToPage},
		{StatsReport, FamilyExternal, checkExternal},
		{Redirection, FamilyContent, checkRedirection},
		{FaviconDomain, FamilyContent, checkFaviconDomain},
		{PortInURL, FamilyAddress, checkPortInURL},
		{HTTPSDomainURL, FamilyAddress, checkHTTPSInDomain},
	}
}

var defaultRegistry = func() *Registry {
	r, err := NewRegistry(DefaultChecks())
	if err != nil {
		panic(err)
	}
	return r
}()

// DefaultRegistry returns the registry built from DefaultChecks.
func DefaultRegistry() *Registry { return defaultRegistry }
