package evidence

import (
	"encoding/hex"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// #region signature

// signatureDomainKey keys the BLAKE3 hash so failure signatures can
// never collide with hashes computed in other domains. The bytes are
// the ASCII domain name, zero-padded to 32; changing them invalidates
// every stored signature.
var signatureDomainKey = [32]byte{
	'a', 'u', 't', 'o', 'p', 'i', 'l', 'o', 't', '.',
	'f', 'a', 'i', 'l', 'u', 'r', 'e', '.',
	's', 'i', 'g', 'n', 'a', 't', 'u', 'r', 'e', 0, 0, 0, 0, 0,
}

// Signature computes the deduplication key for a failure cause.
// It is a pure function of (failed_gates, reason_codes, dataset_urn):
// inputs are sorted and deduplicated first, so the same cause yields
// the same signature regardless of gate ordering, repetition, or how
// many raw records produced it. This is what bounds graph cardinality
// to distinct causes rather than occurrences.
func Signature(failedGates []GateName, reasonCodes []string, datasetURN string) string {
	gates := make([]string, 0, len(failedGates))
	for _, g := range failedGates {
		gates = append(gates, string(g))
	}
	gates = sortedUnique(gates)
	codes := sortedUnique(append([]string(nil), reasonCodes...))

	hasher, err := blake3.NewKeyed(signatureDomainKey[:])
	if err != nil {
		// The key is a compile-time constant of the right size.
		panic("evidence: keyed hasher init: " + err.Error())
	}
	// Unit separator between components, record separator between
	// sections, so ["a","b"] and ["ab"] cannot collide.
	hasher.WriteString(strings.Join(gates, "\x1f"))
	hasher.WriteString("\x1e")
	hasher.WriteString(strings.Join(codes, "\x1f"))
	hasher.WriteString("\x1e")
	hasher.WriteString(datasetURN)

	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// SignatureOf computes the failure signature for a failed Evidence
// record. Returns empty for passing records, which have no signature.
func SignatureOf(e Evidence) string {
	if !e.Failed() {
		return ""
	}
	return Signature(e.Validation.FailedGates, e.Validation.ReasonCodes, e.DatasetURN)
}

func sortedUnique(in []string) []string {
	sort.Strings(in)
	out := in[:0]
	var prev string
	for i, s := range in {
		if i > 0 && s == prev {
			continue
		}
		out = append(out, s)
		prev = s
	}
	return out
}

// #endregion signature
