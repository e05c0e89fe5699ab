package helpers

import "strings"

// SplitEmailAddress lower-cases an address and returns its local part and
// domain. The domain is empty when the address carries no "@".
func SplitEmailAddress(email string) (string, string) {
	email = strings.ToLower(strings.TrimSpace(email))
	local, domain, _ := strings.Cut(email, "@")
	return local, domain
}

// QualifyAddress returns user@domain for a bare username and the address
// itself, lower-cased, when it already carries a domain.
func QualifyAddress(user, domain string) string {
	user = strings.ToLower(strings.TrimSpace(user))
	if strings.Contains(user, "@") || domain == "" {
		return user
	}
	return user + "@" + strings.ToLower(domain)
}

// LocalPart returns the username component of an address.
func LocalPart(address string) string {
	local, _ := SplitEmailAddress(address)
	return local
}

// SameMailbox reports whether two addresses (or a username and an address)
// refer to the same local mailbox within domain.
func SameMailbox(a, b, domain string) bool {
	return QualifyAddress(a, domain) == QualifyAddress(b, domain)
}
