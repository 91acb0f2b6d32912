package mailwatch

import "strings"

// ParseSubject extracts the leading tag chain from a mail subject.
//
// Tags are consecutive bracketed tokens anchored at the start of the
// subject: "[a][b] Pump failed" yields tags [a b]. Matching is sticky —
// each tag must immediately follow the previous one, so "[a] mid [b] text"
// yields only [a]. The remainder after the last matched tag, trimmed of
// whitespace, becomes the error description.
//
// ok is false when the subject carries no tags at all; callers treat such
// messages as malformed and skip them.
func ParseSubject(subject string) (tags []string, errorDesc string, ok bool) {
	pos := 0
	for pos < len(subject) && subject[pos] == '[' {
		end := strings.IndexByte(subject[pos+1:], ']')
		if end < 0 {
			break
		}
		tag := subject[pos+1 : pos+1+end]
		if tag == "" {
			// "[]" is not a tag; stop the chain here.
			break
		}
		tags = append(tags, tag)
		pos += end + 2
	}
	if len(tags) == 0 {
		return nil, "", false
	}
	return tags, strings.TrimSpace(subject[pos:]), true
}
