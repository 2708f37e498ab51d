package reply

import (
	"strings"
)

// CollectSeparator joins the free-text body and the optional collection-time
// text into the single persisted string. It is also the parser used on
// restore to split the two fields back apart, so it must never change while
// records written with it can still be live.
const CollectSeparator = "\r\n\r\nPossible collection times: "

// Draft holds the mutable reply fields owned by the machine while it is
// live. The Host UI populates them through the machine's setters.
type Draft struct {
	Body        string
	CollectText string
	Email       string
	EmailValid  bool
}

// CombineBody returns the persisted projection of the draft text: the body
// plus, if present, the collection-time suffix.
func CombineBody(body, collectText string) string {
	if collectText == "" {
		return body
	}
	return body + CollectSeparator + collectText
}

// SplitBody parses a persisted combined string back into body and
// collection-time text. The split is anchored at the LAST occurrence of the
// separator so a body that itself contains the separator still round-trips
// whenever collection-time text was appended. A marker-bearing body with no
// collection text remains ambiguous in this format; the structured SQLite
// store avoids the problem entirely.
func SplitBody(combined string) (body, collectText string) {
	idx := strings.LastIndex(combined, CollectSeparator)
	if idx < 0 {
		return combined, ""
	}
	return combined[:idx], combined[idx+len(CollectSeparator):]
}
