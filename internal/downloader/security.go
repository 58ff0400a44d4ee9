package downloader

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultAllowedHost is the catalog service's download host. Subdomains of
// the allowed host are accepted too.
const DefaultAllowedHost = "civitai.com"

// ValidateURL rejects any download URL that is not plain HTTPS to the
// allowed host or one of its subdomains. An empty allowedHost falls back to
// DefaultAllowedHost. URLs carrying userinfo are refused outright. No
// network traffic happens here.
func ValidateURL(raw string, allowedHost string) error {
	if allowedHost == "" {
		allowedHost = DefaultAllowedHost
	}
	allowedHost = strings.ToLower(allowedHost)

	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: unparseable URL", ErrSecurityRejected)
	}
	if !strings.EqualFold(parsed.Scheme, "https") {
		return fmt.Errorf("%w: scheme %q is not https", ErrSecurityRejected, parsed.Scheme)
	}
	if parsed.User != nil {
		return fmt.Errorf("%w: URL carries credentials", ErrSecurityRejected)
	}
	host := strings.ToLower(parsed.Hostname())
	if host != allowedHost && !strings.HasSuffix(host, "."+allowedHost) {
		return fmt.Errorf("%w: host %q is not allowed", ErrSecurityRejected, host)
	}
	return nil
}
