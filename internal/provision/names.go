// internal/provision/names.go
//
// Tenant database-name validation.
//
// Context
// -------
// A dbname doubles as the physical database identifier and the cache file
// stem, so the charset is deliberately narrow: lowercase ASCII letters and
// digits, carrying the farm-wide suffix.  Violations are reported as
// user-facing strings, not errors; moderators see these verbatim on the
// request form.
package provision

import "fmt"

// CheckNameSyntax validates dbname against the farm rules and returns a
// user-facing message, or "" when the name is acceptable.  Existence is
// checked separately because it needs the registry.
func CheckNameSyntax(dbname, suffix string) string {
	if len(dbname) <= len(suffix) {
		return fmt.Sprintf("Wiki name must be longer than the %q suffix.", suffix)
	}
	if dbname[len(dbname)-len(suffix):] != suffix {
		return fmt.Sprintf("Wiki name must end with %q.", suffix)
	}
	for _, c := range dbname {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c >= 'A' && c <= 'Z':
			return "Wiki name must be lowercase."
		default:
			return "Wiki name may only contain lowercase letters and numbers."
		}
	}
	return ""
}
