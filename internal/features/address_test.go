package features

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addressValue(t *testing.T, rawURL string, n Name) Ternary {
	t.Helper()
	ex := Extract(rawURL, NoContent)
	require.True(t, ex.Analyzable, "url %q should be analyzable", rawURL)
	return ex.Vector.Get(n)
}

func TestAddressChecks(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		feature  Name
		expected Ternary
	}{
		{"ipv4 host", "http://192.168.1.5/login", UsingIP, Suspicious},
		{"ipv6 host", "http://[2001:db8::1]/admin", UsingIP, Suspicious},
		{"integer ipv4 host", "http://3232235777/", UsingIP, Suspicious},
		{"hex ipv4 host", "http://0x7f.0.0.1/", UsingIP, Suspicious},
		{"octal ipv4 host", "http://0177.0.0.01/", UsingIP, Suspicious},
		{"binary prefix is a hostname", "http://0b11/", UsingIP, Benign},
		{"0o prefix is a hostname", "http://0o17.0.0.1/", UsingIP, Benign},
		{"hostname", "https://example.com/", UsingIP, Benign},
		{"numeric label hostname", "https://123.example.com/", UsingIP, Benign},

		{"long url", "https://example.com/" + strings.Repeat("a", 60), LongURL, Suspicious},
		{"exactly threshold", "https://example.com/" + strings.Repeat("a", LongURLThreshold-len("https://example.com/")), LongURL, Benign},
		{"short url", "https://example.com/", LongURL, Benign},

		{"shortener", "https://bit.ly/3xYz", ShortURL, Suspicious},
		{"shortener with query", "https://tinyurl.com/abc?utm=1#frag", ShortURL, Suspicious},
		{"shortener subdomain", "http://www.t.co/x", ShortURL, Suspicious},
		{"shortener name in subdomain", "https://bit.ly.example.com/", ShortURL, Benign},
		{"regular domain", "https://example.com/", ShortURL, Benign},

		{"at symbol", "http://paypal.com@evil.example/", SymbolAt, Suspicious},
		{"no at symbol", "https://example.com/", SymbolAt, Benign},

		{"double slash in path", "http://example.com//evil.example/", DoubleSlashRedirect, Suspicious},
		{"embedded url", "http://example.com/r?u=http://evil.example/", DoubleSlashRedirect, Suspicious},
		{"plain path", "https://example.com/a/b", DoubleSlashRedirect, Benign},

		{"dash in registrable domain", "https://pay-pal.com/", PrefixSuffix, Suspicious},
		{"dash in subdomain only", "https://my-site.example.com/", PrefixSuffix, Benign},

		{"three subdomains", "https://a.b.c.example.com/", SubDomains, Suspicious},
		{"www subdomain", "https://www.example.com/", SubDomains, Benign},
		{"two subdomains multi-label suffix", "https://a.b.example.co.uk/", SubDomains, Benign},
		{"ip has no subdomains", "http://10.0.0.1/", SubDomains, Benign},

		{"https scheme", "https://example.com/", HTTPS, Benign},
		{"http scheme", "http://example.com/", HTTPS, Suspicious},
		{"uppercase https scheme", "HTTPS://example.com/", HTTPS, Benign},

		{"short registrable domain", "https://abc.io/", DomainRegLen, Suspicious},
		{"regular registrable domain", "https://example.com/", DomainRegLen, Benign},

		{"non-default port", "http://example.com:8080/", PortInURL, Suspicious},
		{"explicit default port", "https://example.com:443/", PortInURL, Benign},
		{"no port", "http://example.com/", PortInURL, Benign},

		{"https in hostname", "http://https-paypal.com/", HTTPSDomainURL, Suspicious},
		{"https only in scheme", "https://paypal.com/", HTTPSDomainURL, Benign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, addressValue(t, tt.url, tt.feature))
		})
	}
}

func TestUsingIPProperty(t *testing.T) {
	ips := []string{"http://1.2.3.4/", "https://8.8.8.8:8443/x", "http://[::1]/", "http://127.0.0.1/a?b=c"}
	for _, u := range ips {
		assert.Equal(t, Suspicious, addressValue(t, u, UsingIP), u)
	}
	hosts := []string{"https://example.com/", "http://localhost/", "https://sub.domain.example.org/", "http://xn--bcher-kva.example/"}
	for _, u := range hosts {
		assert.Equal(t, Benign, addressValue(t, u, UsingIP), u)
	}
}

func TestShortenerPropertyIgnoresPathAndQuery(t *testing.T) {
	for domain := range shorteners {
		for _, suffix := range []string{"/", "/abc", "/abc?x=1&y=2", "/a/b/c#frag"} {
			u := "https://" + domain + suffix
			assert.Equal(t, Suspicious, addressValue(t, u, ShortURL), u)
		}
	}
}

func TestRegistrableDomain(t *testing.T) {
	tests := []struct {
		host     string
		expected string
	}{
		{"www.example.com", "example.com"},
		{"a.b.example.co.uk", "example.co.uk"},
		{"EXAMPLE.COM.", "example.com"},
		{"192.168.1.5", "192.168.1.5"},
		{"localhost", "localhost"},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.expected, RegistrableDomain(tt.host))
		})
	}
}

func TestIsIPHost(t *testing.T) {
	tests := map[string]bool{
		"192.168.0.1":   true,
		"3232235521":    true,
		"0xc0.0xa8.0.1": true,
		"0300.0250.0.1": true,
		"2001:db8::1":   true,
		"0x":            false,
		"0b11":          false,
		"0o17.0.0.1":    false,
		"1_0.0.0.1":     false,
		"+1.0.0.1":      false,
		"1..2.3":        false,
		"1.2.3.4.5":     false,
		"09.0.0.1":      false,
		"example.com":   false,
		"":              false,
	}
	for host, expected := range tests {
		assert.Equal(t, expected, isIPHost(host), host)
	}
}
