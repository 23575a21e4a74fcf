package features

import "strings"

const (
	// LongURLThreshold is the length above which a URL counts as long.
	LongURLThreshold = 75
	// ShortDomainThreshold is the registrable-domain length below which the
	// domain is treated as a throwaway registration.
	ShortDomainThreshold = 8
	// MaxSubdomains is the number of labels tolerated in front of the
	// registrable domain.
	MaxSubdomains = 2
)

var shorteners = map[string]struct{}{
	"bit.ly":      {},
	"tinyurl.com": {},
	"goo.gl":      {},
	"t.co":        {},
	"ow.ly":       {},
	"is.gd":       {},
	"buff.ly":     {},
	"adf.ly":      {},
	"bit.do":      {},
	"cur.lv":      {},
	"tiny.cc":     {},
	"shorturl.at": {},
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
	"ftp":   "21",
}

// IsShortener reports whether domain is a known link-shortening service.
func IsShortener(domain string) bool {
	_, ok := shorteners[strings.ToLower(domain)]
	return ok
}

func checkUsingIP(p *Page) (Ternary, error) {
	return flag(p.IsIP), nil
}

func checkLongURL(p *Page) (Ternary, error) {
	return flag(len(p.Raw) > LongURLThreshold), nil
}

func checkShortURL(p *Page) (Ternary, error) {
	return flag(IsShortener(p.Domain)), nil
}

func checkSymbolAt(p *Page) (Ternary, error) {
	return flag(strings.Contains(p.Raw, "@")), nil
}

// checkDoubleSlash looks for "//" anywhere after the scheme separator.
func checkDoubleSlash(p *Page) (Ternary, error) {
	i := strings.Index(p.Raw, "://")
	if i < 0 {
		return flag(strings.Contains(p.Raw, "//")), nil
	}
	return flag(strings.Contains(p.Raw[i+3:], "//")), nil
}

func checkPrefixSuffix(p *Page) (Ternary, error) {
	return flag(strings.Contains(p.Domain, "-")), nil
}

func checkSubDomains(p *Page) (Ternary, error) {
	if p.IsIP {
		return Benign, nil
	}
	sub := strings.TrimSuffix(strings.TrimSuffix(p.Host, p.Domain), ".")
	if sub == "" {
		return Benign, nil
	}
	return flag(len(strings.Split(sub, ".")) > MaxSubdomains), nil
}

// checkHTTPS reports the insecure transport indicator: https is benign,
// everything else suspicious.
func checkHTTPS(p *Page) (Ternary, error) {
	return flag(!strings.EqualFold(p.URL.Scheme, "https")), nil
}

func checkDomainRegLen(p *Page) (Ternary, error) {
	return flag(len(p.Domain) < ShortDomainThreshold), nil
}

func checkPortInURL(p *Page) (Ternary, error) {
	port := p.URL.Port()
	if port == "" {
		return Benign, nil
	}
	def, ok := defaultPorts[strings.ToLower(p.URL.Scheme)]
	return flag(!ok || def != port), nil
}

func checkHTTPSInDomain(p *Page) (Ternary, error) {
	return flag(strings.Contains(p.Host, "https")), nil
}
