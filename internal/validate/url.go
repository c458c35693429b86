// Package validate parses and validates admission input. It performs no I/O.
package validate

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/reply-report-engine/internal/report"
)

// DefaultHosts are the conversation hosts accepted when none are configured.
var DefaultHosts = []string{"x.com", "twitter.com"}

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	numericPattern  = regexp.MustCompile(`^[0-9]+$`)
)

// SourceURL validates a post URL of the form
// https://<host>/<username>/status/<id> and returns the numeric id verbatim.
// A "www." or "mobile." host prefix is tolerated.
func SourceURL(raw string, hosts []string) (string, error) {
	if len(hosts) == 0 {
		hosts = DefaultHosts
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", invalidURL("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", invalidURL("url is not parsable")
	}
	if u.Scheme != "https" {
		return "", invalidURL("url must use https")
	}
	if !hostAllowed(u.Hostname(), hosts) {
		return "", invalidURL(fmt.Sprintf("host %q is not supported", u.Hostname()))
	}
	segments := splitPath(u.Path)
	if len(segments) < 3 {
		return "", invalidURL("url must point at a post")
	}
	if !usernamePattern.MatchString(segments[0]) {
		return "", invalidURL("username is malformed")
	}
	if segments[1] != "status" {
		return "", invalidURL("url must point at a post")
	}
	if !numericPattern.MatchString(segments[2]) {
		return "", invalidURL("post id must be numeric")
	}
	return segments[2], nil
}

func hostAllowed(host string, hosts []string) bool {
	host = strings.ToLower(host)
	for _, prefix := range []string{"www.", "mobile."} {
		if strings.HasPrefix(host, prefix) {
			host = strings.TrimPrefix(host, prefix)
			break
		}
	}
	for _, allowed := range hosts {
		if host == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

func splitPath(p string) []string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func invalidURL(reason string) error {
	return &report.ValidationError{Field: "url", Reason: reason, Err: report.ErrInvalidURL}
}
