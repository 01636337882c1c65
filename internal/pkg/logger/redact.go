package logger

import "strings"

// RedactEmail masks the local part of an address so logs stay useful
// without spelling out who mails whom: "john.doe@example.com" becomes
// "jo***@example.com". Local parts of two characters or fewer mask
// fully, and anything that does not look like one address collapses
// to "***@***".
func RedactEmail(address string) string {
	local, dom, ok := strings.Cut(address, "@")
	if !ok || strings.Contains(dom, "@") {
		return "***@***"
	}
	if len(local) <= 2 {
		return "***@" + dom
	}
	return local[:2] + "***@" + dom
}
