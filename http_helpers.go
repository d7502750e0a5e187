package main

import (
	"io"
	"net/url"
	"sort"
	"strings"

	http "github.com/bogdanfinn/fhttp"
)

// PseudoHeaderOrder is the standard HTTP/2 pseudo-header order for all requests.
var PseudoHeaderOrder = []string{
	":method",
	":authority",
	":scheme",
	":path",
}

// readResponseBody decompresses and reads the full response body.
// Caller should defer resp.Body.Close() before calling this.
func readResponseBody(resp *http.Response) ([]byte, error) {
	body := http.DecompressBody(resp)
	defer body.Close()
	return io.ReadAll(body)
}

// orderedHeader builds a header from name/value pairs and pins the wire order
// to the order given. Pairs with an empty value are skipped.
func orderedHeader(pairs ...string) http.Header {
	h := http.Header{}
	order := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		name, value := pairs[i], pairs[i+1]
		if value == "" {
			continue
		}
		h[name] = []string{value}
		order = append(order, name)
	}
	h[http.HeaderOrderKey] = order
	h[http.PHeaderOrderKey] = PseudoHeaderOrder
	return h
}

// cookieHeader renders cookies in a stable order.
func cookieHeader(cookies map[string]string) string {
	if len(cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(name)
		b.WriteString("=")
		b.WriteString(cookies[name])
	}
	return b.String()
}

// responseCookies collects name/value pairs set by a response. Deleted
// cookies map to the empty string.
func responseCookies(resp *http.Response) map[string]string {
	set := resp.Cookies()
	if len(set) == 0 {
		return nil
	}
	out := make(map[string]string, len(set))
	for _, c := range set {
		if c.MaxAge < 0 {
			out[c.Name] = ""
			continue
		}
		out[c.Name] = c.Value
	}
	return out
}

// getOrigin extracts the origin (scheme + host) from a URL.
func getOrigin(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}

// extractCookieValue parses "name=value; ..." -> "value"
func extractCookieValue(setCookie string) string {
	idx := strings.Index(setCookie, ";")
	if idx == -1 {
		idx = len(setCookie)
	}
	nameValue := setCookie[:idx]
	parts := strings.SplitN(nameValue, "=", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return ""
}
