// Package fingerprint derives the stable signature that groups repeated
// occurrences of the same slow call site into one query transaction.
//
// The signature deliberately excludes the raw query text: two
// parameterizations of the same call site must share a transaction.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Input carries everything that participates in the signature.
type Input struct {
	ProjectID    string
	ProjectKeyID string
	Environment  string
	StackTrace   []string
	Parameters   map[string]any
}

// Generate returns the hex-encoded SHA-256 signature for in.
//
// Parameter values that are nil (JSON null or absent) are dropped;
// zero values such as 0, false, and "" are kept. Keys are sorted, so
// map iteration order never changes the signature.
func Generate(in Input) string {
	components := []string{in.ProjectID, in.ProjectKeyID, in.Environment}

	if len(in.StackTrace) > 0 {
		frames := make([]string, 0, len(in.StackTrace))
		for _, frame := range in.StackTrace {
			frames = append(frames, strings.TrimSpace(frame))
		}
		components = append(components, strings.Join(frames, "-"))
	}

	if len(in.Parameters) > 0 {
		if encoded := encodeParameters(in.Parameters); encoded != "" {
			components = append(components, encoded)
		}
	}

	sum := sha256.Sum256([]byte(strings.Join(components, "|")))
	return hex.EncodeToString(sum[:])
}

func encodeParameters(parameters map[string]any) string {
	keys := make([]string, 0, len(parameters))
	for key := range parameters {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		value := parameters[key]
		if value == nil {
			continue
		}

		encoded, err := json.Marshal(value)
		if err != nil {
			// Unencodable values cannot contribute deterministically.
			continue
		}
		pairs = append(pairs, key+":"+string(encoded))
	}

	return strings.Join(pairs, "-")
}
