package enforcer

import "regexp"

// #region pii

// PII detection is a pattern scan over the raw payload bytes. It is
// deliberately coarse: the gate flags for downstream review, it does
// not block or redact.
var piiPatterns = []*regexp.Regexp{
	// email
	regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	// US SSN
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	// 15-16 digit card numbers, with optional separators
	regexp.MustCompile(`\b(?:\d[ \-]?){15,16}\b`),
	// E.164-ish phone numbers
	regexp.MustCompile(`\+\d{10,14}\b`),
}

func scanPII(payload []byte) bool {
	for _, p := range piiPatterns {
		if p.Match(payload) {
			return true
		}
	}
	return false
}

// #endregion pii
