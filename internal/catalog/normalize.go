package catalog

import (
	"net/url"
	"strings"
)

// Slug lowercases a name and replaces every non-alphanumeric run with a
// single hyphen, trimming leading and trailing hyphens.
func Slug(name string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// methodForOp infers an HTTP method from a WoT operation verb.
func methodForOp(op string) string {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case "readproperty", "readallproperties":
		return "GET"
	case "writeproperty", "writeallproperties":
		return "PUT"
	case "invokeaction":
		return "POST"
	default:
		return ""
	}
}

// resolveHref joins a form href against a base URL. Absolute hrefs pass
// through untouched.
func resolveHref(base, href string) string {
	if href == "" {
		return ""
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if parsed.IsAbs() {
		return href
	}
	if base == "" {
		return ""
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return baseURL.ResolveReference(parsed).String()
}

// normalize turns a raw provider descriptor into its canonical form. The
// descriptor is never dropped: when no transport can be resolved it is kept
// with Transport nil.
func normalize(thingID string, raw ActionDescriptor) ActionDescriptor {
	normalized := raw
	normalized.ThingID = thingID
	if normalized.Name == "" {
		normalized.Name = raw.ID
	}
	normalized.ID = ActionID(thingID, normalized.Name)
	if normalized.Title == "" {
		normalized.Title = normalized.Name
	}

	if normalized.Transport == nil {
		normalized.Transport = transportFromForms(normalized.Forms)
	} else {
		if normalized.Transport.Method == "" {
			normalized.Transport.Method = "POST"
		}
		if normalized.Transport.URL == "" {
			normalized.Transport = transportFromForms(normalized.Forms)
		}
	}

	return normalized
}

// transportFromForms derives a transport from the first form carrying a
// usable URL. Returns nil when no form resolves.
func transportFromForms(forms []Form) *Transport {
	for _, form := range forms {
		target := form.URL
		if target == "" {
			target = form.Href
		}
		if target == "" {
			continue
		}
		method := form.Method
		if method == "" {
			method = methodForOp(form.Op)
		}
		if method == "" {
			method = "POST"
		}
		transport := &Transport{URL: target, Method: strings.ToUpper(method)}
		if form.ContentType != "" {
			transport.Headers = map[string]string{"Content-Type": form.ContentType}
		}
		return transport
	}
	return nil
}
