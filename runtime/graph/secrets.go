package graph

import "regexp"

// Raw-credential heuristics. Secret-typed parameters are expected to hold an
// identifier referencing a stored secret, never the credential itself. The
// validator flags values matching well-known key prefixes or long opaque
// alphanumeric blobs.
var (
	knownKeyPrefixes = regexp.MustCompile(`^(AKIA[0-9A-Z]{16}|ASIA[0-9A-Z]{16}|sk-[A-Za-z0-9_-]{16,}|sk_live_[A-Za-z0-9]{16,}|ghp_[A-Za-z0-9]{36}|gho_[A-Za-z0-9]{36}|github_pat_[A-Za-z0-9_]{22,}|xox[baprs]-[A-Za-z0-9-]{10,}|glpat-[A-Za-z0-9_-]{20,}|AIza[0-9A-Za-z_-]{35})`)
	pemHeader        = regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)
	opaqueBlob       = regexp.MustCompile(`^[A-Za-z0-9+/=_-]{32,}$`)
)

// LooksLikeRawSecret reports whether the value resembles a raw credential
// rather than a secret identifier reference. The heuristic errs toward
// flagging: a 32+ character opaque alphanumeric value with no separators is
// treated as a credential.
func LooksLikeRawSecret(v string) bool {
	if knownKeyPrefixes.MatchString(v) || pemHeader.MatchString(v) {
		return true
	}
	// Secret references are short, human-readable handles; raw keys are long
	// and opaque. Values containing spaces or path-ish separators are names.
	if len(v) >= 32 && opaqueBlob.MatchString(v) {
		return true
	}
	return false
}
