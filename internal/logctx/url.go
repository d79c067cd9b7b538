package logctx

import "net/url"

// SafeURL strips credentials, query and fragment from a URL before it is logged. Model
// hosts put access tokens in the query string.
func SafeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}

	u.User = nil
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""

	return u.String()
}
