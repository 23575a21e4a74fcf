package features

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/publicsuffix"
)

var (
	// ErrMalformedTarget marks a URL that is not a well-formed absolute URL.
	ErrMalformedTarget = errors.New("malformed target")
	// ErrContentUnavailable marks a content check run without a document.
	ErrContentUnavailable = errors.New("content unavailable")
	// ErrExternalSource marks a feature that needs a live lookup.
	ErrExternalSource = errors.New("external source not consulted")
)

// Content is the optional page document handed to the extractor.
type Content struct {
	HTML      string
	Available bool
}

// HTML wraps a fetched document. An empty string still counts as fetched.
func HTML(doc string) Content {
	return Content{HTML: doc, Available: true}
}

// NoContent is the absent document.
var NoContent = Content{}

// Page is the parsed analysis target shared by every check of one extraction.
type Page struct {
	Raw    string
	URL    *url.URL
	Host   string
	Domain string
	IsIP   bool

	content Content
	docOnce sync.Once
	doc     *goquery.Document
	docErr  error

	scriptOnce sync.Once
	script     string
}

// NewPage parses rawURL into a Page. It fails with ErrMalformedTarget when the
// URL has no scheme or no host.
func NewPage(rawURL string, content Content) (*Page, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty url", ErrMalformedTarget)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTarget, err)
	}
	if u.Scheme == "" || u.Host == "" || u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute url", ErrMalformedTarget, raw)
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	ip := isIPHost(host)
	return &Page{
		Raw:     raw,
		URL:     u,
		Host:    host,
		Domain:  registrableDomain(host, ip),
		IsIP:    ip,
		content: content,
	}, nil
}

// HasContent reports whether a document was supplied.
func (p *Page) HasContent() bool { return p.content.Available }

// Document parses the HTML once and returns it.
func (p *Page) Document() (*goquery.Document, error) {
	if !p.content.Available {
		return nil, ErrContentUnavailable
	}
	p.docOnce.Do(func() {
		p.doc, p.docErr = goquery.NewDocumentFromReader(strings.NewReader(p.content.HTML))
		if p.docErr != nil {
			p.docErr = fmt.Errorf("parse document: %w", p.docErr)
		}
	})
	return p.doc, p.docErr
}

// Resolve resolves ref against the page URL.
func (p *Page) Resolve(ref string) (*url.URL, error) {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	return p.URL.ResolveReference(r), nil
}

// Foreign reports whether ref points to a different registrable domain than
// the page. References that do not parse or carry no host are treated as
// local.
func (p *Page) Foreign(ref string) bool {
	u, err := p.Resolve(ref)
	if err != nil {
		return false
	}
	h := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if h == "" {
		return false
	}
	return registrableDomain(h, isIPHost(h)) != p.Domain
}

// RegistrableDomain returns the eTLD+1 for host. IP literals and hosts without
// a known public suffix are returned unchanged.
func RegistrableDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	return registrableDomain(host, isIPHost(host))
}

func registrableDomain(host string, ip bool) string {
	if ip || host == "" {
		return host
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

// isIPHost accepts IPv4/IPv6 literals plus the numeric IPv4 spellings browsers
// still resolve: a single 32-bit integer, hex or octal parts.
func isIPHost(host string) bool {
	if host == "" {
		return false
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return true
	}
	parts := strings.Split(host, ".")
	if len(parts) > 4 {
		return false
	}
	for _, part := range parts {
		if !isIPv4Part(part) {
			return false
		}
	}
	return true
}

// isIPv4Part accepts the number forms a URL host parser resolves: decimal,
// 0x hex and leading-zero octal. No other prefixes or digit separators.
func isIPv4Part(part string) bool {
	digits, base := part, 10
	switch {
	case len(part) > 2 && (part[:2] == "0x" || part[:2] == "0X"):
		digits, base = part[2:], 16
	case len(part) > 1 && part[0] == '0':
		digits, base = part[1:], 8
	}
	if digits == "" {
		return false
	}
	_, err := strconv.ParseUint(digits, base, 32)
	return err == nil
}
