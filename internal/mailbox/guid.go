package mailbox

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// GUID computes the cross-server message identifier spec.md §4.4
// defines: MD5 hex of the Message-Id value when present (the contents
// of its `<...>` bracket, or the first whitespace-delimited token if
// unbracketed), else MD5 hex of size and internaldate concatenated as
// decimal strings with no separator.
func GUID(messageID string, size uint32, internalDateUnix int64) string {
	key := messageIDKey(messageID)
	if key == "" {
		key = fmt.Sprintf("%d%d", size, internalDateUnix)
	}
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// messageIDKey extracts the identifying token from a raw Message-Id
// header value, or "" if the header was absent or blank.
func messageIDKey(messageID string) string {
	s := strings.TrimSpace(messageID)
	if s == "" {
		return ""
	}
	if open := strings.IndexByte(s, '<'); open >= 0 {
		if close := strings.IndexByte(s[open+1:], '>'); close >= 0 {
			return s[open+1 : open+1+close]
		}
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
