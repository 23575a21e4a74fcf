package features

import (
	"errors"
	"fmt"
)

// SetVersion identifies the canonical feature set. Bump it whenever a name is
// added, removed or reordered so persisted vectors and weight files can be
// matched against the set they were produced for.
const SetVersion = "v1"

// Name is a canonical feature identifier.
type Name string

const (
	UsingIP             Name = "UsingIP"
	LongURL             Name = "LongURL"
	ShortURL            Name = "ShortURL"
	SymbolAt            Name = "Symbol@"
	DoubleSlashRedirect Name = "Redirecting//"
	PrefixSuffix        Name = "PrefixSuffix-"
	SubDomains          Name = "SubDomains"
	HTTPS               Name = "HTTPS"
	DomainRegLen        Name = "DomainRegLen"
	RequestURL          Name = "RequestURL"
	URLOfAnchor         Name = "URLofAnchor"
	LinksInTags         Name = "LinksInTags"
	SFH                 Name = "SFH"
	SubmittingToEmail   Name = "SubmittingToEmail"
	AbnormalURL         Name = "AbnormalURL"
	WebsiteForwarding   Name = "WebsiteForwarding"
	StatusBarCust       Name = "StatusBarCust"
	DisablingRightClick Name = "DisablingRightClick"
	UsingPopupWindow    Name = "UsingPopupWindow"
	Iframe              Name = "Iframe"
	AgeOfDomain         Name = "AgeofDomain"
	DNSRecording        Name = "DNSRecording"
	WebsiteTraffic      Name = "WebsiteTraffic"
	PageRank            Name = "PageRank"
	GoogleIndex         Name = "GoogleIndex"
	LinksPointingToPage Name = "LinksPointingToPage"
	StatsReport         Name = "StatsReport"
	Redirection         Name = "Redirection"
	FaviconDomain       Name = "FaviconDomain"
	PortInURL           Name = "PortInURL"
	HTTPSDomainURL      Name = "HTTPSDomainURL"
)

// canonical is the ordered feature set. Vector positions follow this order.
var canonical = [...]Name{
	UsingIP,
	LongURL,
	ShortURL,
	SymbolAt,
	DoubleSlashRedirect,
	PrefixSuffix,
	SubDomains,
	HTTPS,
	DomainRegLen,
	RequestURL,
	URLOfAnchor,
	LinksInTags,
	SFH,
	SubmittingToEmail,
	AbnormalURL,
	WebsiteForwarding,
	StatusBarCust,
	DisablingRightClick,
	UsingPopupWindow,
	Iframe,
	AgeOfDomain,
	DNSRecording,
	WebsiteTraffic,
	PageRank,
	GoogleIndex,
	LinksPointingToPage,
	StatsReport,
	Redirection,
	FaviconDomain,
	PortInURL,
	HTTPSDomainURL,
}

// Count is the size of the canonical feature set.
const Count = len(canonical)

var index = func() map[Name]int {
	m := make(map[Name]int, Count)
	for i, n := range canonical {
		m[n] = i
	}
	return m
}()

// ErrUnknownFeature is returned when a name outside the canonical set is used.
var ErrUnknownFeature = errors.New("unknown feature name")

// Names returns the canonical feature names in order.
func Names() []Name {
	out := make([]Name, Count)
	copy(out, canonical[:])
	return out
}

// ParseName validates s against the canonical set.
func ParseName(s string) (Name, error) {
	n := Name(s)
	if _, ok := index[n]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFeature, s)
	}
	return n, nil
}

// Valid reports whether n belongs to the canonical set.
func (n Name) Valid() bool {
	_, ok := index[n]
	return ok
}

func (n Name) String() string { return string(n) }

// Ternary is a signed indicator value.
type Ternary int8

const (
	Benign     Ternary = -1
	Unknown    Ternary = 0
	Suspicious Ternary = 1
)

func (t Ternary) String() string {
	switch t {
	case Benign:
		return "benign"
	case Suspicious:
		return "suspicious"
	default:
		return "unknown"
	}
}

// Float returns the value as a scoring operand.
func (t Ternary) Float() float64 { return float64(t) }

// flag maps a boolean condition to suspicious/benign.
func flag(suspicious bool) Ternary {
	if suspicious {
		return Suspicious
	}
	return Benign
}
