package session

import (
	"regexp"
	"strings"
)

// quirks records server-specific deviations from RFC 3501 detected once
// per connection, from the URI's host name, right after the socket opens and
// before CAPABILITY and authentication (spec.md §4.2).
type quirks struct {
	gmail     bool
	yahoo     bool
	rackspace bool
}

var (
	yahooHostRe = regexp.MustCompile(`^imap(?:-ssl)?\.mail\.yahoo\.com$`)
	gmailHostRe = regexp.MustCompile(`^imap\.(?:gmail|googlemail)\.com$`)
)

// detectQuirks classifies a server by host name. go-imap's client does not
// surface the server's raw greeting line, so gmail is recognized the same
// way yahoo and rackspace already are: by the host the account URI names.
func detectQuirks(host string) quirks {
	var q quirks
	if gmailHostRe.MatchString(host) {
		q.gmail = true
	}
	if yahooHostRe.MatchString(host) {
		q.yahoo = true
	}
	if strings.Contains(host, "emailsrvr.com") {
		q.rackspace = true
	}
	return q
}

const gmailFetchFailureMsg = "some messages could not be fetched (failure)"

// isTolerableGmailFetchError reports whether err's text matches the
// specific Gmail UID FETCH quirk that should be logged and ignored
// rather than treated as a failure.
func isTolerableGmailFetchError(gmail bool, errText string) bool {
	return gmail && strings.Contains(strings.ToLower(errText), gmailFetchFailureMsg)
}

// rackspaceRewrite rewrites a mailbox name the way Rackspace's IMAP
// front-end requires: every non-INBOX name lives under INBOX.<name>. This
// is lossy for names that already begin with something other than INBOX
// in a nested hierarchy (spec.md §9 open question); callers should warn
// when the rewritten name does not round-trip.
func rackspaceRewrite(name, delim string) string {
	if strings.EqualFold(name, "INBOX") || strings.HasPrefix(strings.ToUpper(name), "INBOX"+delim) {
		return name
	}
	return "INBOX" + delim + name
}
