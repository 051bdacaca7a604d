// Package reference validates the video references users submit: an
// http(s) URL or a bare platform video id such as "abc123".
package reference

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
)

var bareID = regexp.MustCompile(`^[A-Za-z0-9_-]{3,64}$`)

const watchURL = "https://www.youtube.com/watch?v="

// Normalize trims ref and checks its shape. It returns the canonical form
// stored on the job.
func Normalize(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("empty reference")
	}

	if strings.Contains(ref, "://") {
		u, err := url.Parse(ref)
		if err != nil {
			return "", errors.Wrapf(err, "malformed URL %q", ref)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", errors.Newf("unsupported scheme %q in %q", u.Scheme, ref)
		}
		if u.Hostname() == "" {
			return "", errors.Newf("missing host in %q", ref)
		}
		return u.String(), nil
	}

	if !bareID.MatchString(ref) {
		return "", errors.Newf("%q is neither a URL nor a video id", ref)
	}
	return ref, nil
}

// IsBareID reports whether ref is a video id rather than a URL.
func IsBareID(ref string) bool {
	return bareID.MatchString(ref)
}

// URL expands a bare id into a watch URL; URLs pass through.
func URL(ref string) string {
	if IsBareID(ref) {
		return watchURL + ref
	}
	return ref
}
