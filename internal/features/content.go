package features

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	// ExternalRatioThreshold is the share above which a ratio check turns suspicious.
	ExternalRatioThreshold = 0.5
	// MaxForwardingStatements is the number of location rewrites tolerated in scripts.
	MaxForwardingStatements = 3
	// MinAnchors is the anchor count at or below which a page looks like a
	// single-purpose landing page.
	MinAnchors = 5
)

var (
	reForward       = regexp.MustCompile(`(?i)(\blocation\s*=[^=])|(\.href\s*=[^=])|(\blocation\.(replace|assign)\s*\()`)
	reRedirect      = regexp.MustCompile(`(?i)(\blocation\s*=[^=])|(\blocation\.href\s*=[^=])|(\blocation\.(replace|assign)\s*\()`)
	reStatusWrite   = regexp.MustCompile(`(?i)\bwindow\.(default)?status\s*=[^=]`)
	reStatusAttr    = regexp.MustCompile(`(?i)(^|[^.\w])(default)?status\s*=[^=]`)
	reClickSuppress = regexp.MustCompile(`(?i)return\s+false|preventDefault\s*\(`)
	reVoidHref      = regexp.MustCompile(`(?i)^\s*javascript\s*:\s*(void\s*\(\s*0\s*\)|;|$)`)
	reContextMenu   = regexp.MustCompile(`(?i)oncontextmenu\s*=|addEventListener\s*\(\s*['"]contextmenu['"]|\.button\s*===?\s*2\b|\.which\s*===?\s*3\b`)
	rePopup         = regexp.MustCompile(`(?i)\bwindow\.open\s*\(|\balert\s*\(`)
)

// scriptSource concatenates inline scripts, inline event handlers and
// javascript: URLs so the idiom checks see every place code can hide.
func (p *Page) scriptSource(doc *goquery.Document) string {
	p.scriptOnce.Do(func() {
		var b strings.Builder
		doc.Find("script").Each(func(_ int, s *goquery.Selection) {
			if _, ok := s.Attr("src"); ok {
				return
			}
			b.WriteString(s.Text())
			b.WriteByte('\n')
		})
		doc.Find("*").Each(func(_ int, s *goquery.Selection) {
			for _, a := range s.Nodes[0].Attr {
				key := strings.ToLower(a.Key)
				switch {
				case strings.HasPrefix(key, "on"):
					b.WriteString(a.Val)
					b.WriteByte('\n')
				case key == "href" && strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.Val)), "javascript:"):
					b.WriteString(strings.TrimSpace(a.Val)[len("javascript:"):])
					b.WriteByte('\n')
				}
			}
		})
		p.script = b.String()
	})
	return p.script
}

// ratio turns a suspicious/total count into a ternary. An empty sample is benign.
func ratio(suspicious, total int) Ternary {
	if total == 0 {
		return Benign
	}
	return flag(float64(suspicious)/float64(total) > ExternalRatioThreshold)
}

// refreshTarget extracts the URL from a meta refresh content value such as
// "5; url=https://example.com/".
func refreshTarget(content string) (string, bool) {
	for _, part := range strings.Split(content, ";") {
		part = strings.TrimSpace(part)
		if len(part) > 4 && strings.EqualFold(part[:4], "url=") {
			return strings.Trim(strings.TrimSpace(part[4:]), `'"`), true
		}
	}
	return "", false
}

func isRefresh(s *goquery.Selection) bool {
	v, _ := s.Attr("http-equiv")
	return strings.EqualFold(strings.TrimSpace(v), "refresh")
}

func checkRequestURL(p *Page) (Ternary, error) {
	doc, err := p.Document()
	if err != nil {
		return Unknown, err
	}
	total, foreign := 0, 0
	doc.Find("img[src], script[src], link[href]").Each(func(_ int, s *goquery.Selection) {
		ref, ok := s.Attr("src")
		if !ok {
			ref, _ = s.Attr("href")
		}
		if strings.TrimSpace(ref) == "" {
			return
		}
		total++
		if p.Foreign(ref) {
			foreign++
		}
	})
	return ratio(foreign, total), nil
}

func checkURLOfAnchor(p *Page) (Ternary, error) {
	doc, err := p.Document()
	if err != nil {
		return Unknown, err
	}
	anchors := doc.Find("a")
	bad := 0
	anchors.Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		lower := strings.ToLower(href)
		switch {
		case href == "":
			bad++
		case strings.HasPrefix(href, "#"):
			bad++
		case strings.HasPrefix(lower, "javascript:"), strings.Contains(lower, "void(0)"):
			bad++
		case p.Foreign(href):
			bad++
		}
	})
	return ratio(bad, anchors.Length()), nil
}

func checkLinksInTags(p *Page) (Ternary, error) {
	doc, err := p.Document()
	if err != nil {
		return Unknown, err
	}
	var refs []string
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		if !isRefresh(s) {
			return
		}
		if target, ok := refreshTarget(s.AttrOr("content", "")); ok {
			refs = append(refs, target)
		}
	})
	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		refs = append(refs, s.AttrOr("src", ""))
	})
	doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		refs = append(refs, s.AttrOr("href", ""))
	})
	foreign := 0
	for _, ref := range refs {
		if p.Foreign(ref) {
			foreign++
		}
	}
	return ratio(foreign, len(refs)), nil
}

func checkSFH(p *Page) (Ternary, error) {
	doc, err := p.Document()
	if err != nil {
		return Unknown, err
	}
	forms := doc.Find("form")
	bad := 0
	forms.Each(func(_ int, s *goquery.Selection) {
		action, ok := s.Attr("action")
		action = strings.TrimSpace(action)
		if !ok || action == "" || strings.EqualFold(action, "about:blank") {
			bad++
		}
	})
	return ratio(bad, forms.Length()), nil
}

func checkSubmittingToEmail(p *Page) (Ternary, error) {
	doc, err := p.Document()
	if err != nil {
		return Unknown, err
	}
	mail := false
	doc.Find("form[action]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		action := strings.ToLower(strings.TrimSpace(s.AttrOr("action", "")))
		mail = strings.HasPrefix(action, "mailto:")
		return !mail
	})
	return flag(mail), nil
}

// checkAbnormalURL flags a URL whose literal text does not carry its own host,
// or a document that declares a canonical identity on another domain.
func checkAbnormalURL(p *Page) (Ternary, error) {
	doc, err := p.Document()
	if err != nil {
		return Unknown, err
	}
	if !strings.Contains(strings.ToLower(p.Raw), p.Host) {
		return Suspicious, nil
	}
	canonical, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href")
	return flag(ok && strings.TrimSpace(canonical) != "" && p.Foreign(canonical)), nil
}

func checkWebsiteForwarding(p *Page) (Ternary, error) {
	doc, err := p.Document()
	if err != nil {
		return Unknown, err
	}
	n := len(reForward.FindAllStringIndex(p.scriptSource(doc), -1))
	n += doc.Find("meta").FilterFunction(func(_ int, s *goquery.Selection) bool { return isRefresh(s) }).Length()
	return flag(n > MaxForwardingStatements), nil
}

func checkStatusBarCust(p *Page) (Ternary, error) {
	doc, err := p.Document()
	if err != nil {
		return Unknown, err
	}
	if reStatusWrite.MatchString(p.scriptSource(doc)) {
		return Suspicious, nil
	}
	spoofed := doc.Find("[onmouseover]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return reStatusAttr.MatchString(s.AttrOr("onmouseover", ""))
	})
	if spoofed.Length() > 0 {
		return Suspicious, nil
	}
	suppressed := false
	doc.Find("[onclick], a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if reClickSuppress.MatchString(s.AttrOr("onclick", "")) || reVoidHref.MatchString(s.AttrOr("href", "")) {
			suppressed = true
		}
		return !suppressed
	})
	return flag(suppressed), nil
}

func checkDisablingRightClick(p *Page) (Ternary, error) {
	doc, err := p.Document()
	if err != nil {
		return Unknown, err
	}
	if doc.Find("[oncontextmenu]").Length() > 0 {
		return Suspicious, nil
	}
	return flag(reContextMenu.MatchString(p.scriptSource(doc))), nil
}

func checkUsingPopupWindow(p *Page) (Ternary, error) {
	doc, err := p.Document()
	if err != nil {
		return Unknown, err
	}
	return flag(rePopup.MatchString(p.scriptSource(doc))), nil
}

func checkIframe(p *Page) (Ternary, error) {
	doc, err := p.Document()
	if err != nil {
		return Unknown, err
	}
	return flag(doc.Find("iframe").Length() > 0), nil
}

func checkFaviconDomain(p *Page) (Ternary, error) {
	doc, err := p.Document()
	if err != nil {
		return Unknown, err
	}
	var icon string
	doc.Find("link[rel][href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for _, rel := range strings.Fields(strings.ToLower(s.AttrOr("rel", ""))) {
			if rel == "icon" {
				icon = s.AttrOr("href", "")
				return false
			}
		}
		return true
	})
	if strings.TrimSpace(icon) == "" {
		return Benign, nil
	}
	return flag(p.Foreign(icon)), nil
}

func checkLinksPointingToPage(p *Page) (Ternary, error) {
	doc, err := p.Document()
	if err != nil {
		return Unknown, err
	}
	return flag(doc.Find("a").Length() <= MinAnchors), nil
}

func checkRedirection(p *Page) (Ternary, error) {
	doc, err := p.Document()
	if err != nil {
		return Unknown, err
	}
	if doc.Find("meta").FilterFunction(func(_ int, s *goquery.Selection) bool { return isRefresh(s) }).Length() > 0 {
		return Suspicious, nil
	}
	return flag(reRedirect.MatchString(p.scriptSource(doc))), nil
}

func checkExternal(*Page) (Ternary, error) {
	return Unknown, ErrExternalSource
}
