// Package common provides configuration, logging and small shared helpers.
//
// Worker argument templates may reference request values with the {name}
// syntax. At launch the references are replaced with the values of the
// current request:
//
//	Template: ["--year", "{year}", "--semester", "{semester}"]
//	Values:   {"year": "2025", "semester": "1"}
//	Result:   ["--year", "2025", "--semester", "1"]
package common

import (
	"fmt"
	"regexp"

	"github.com/ternarybob/arbor"
)

// keyRefPattern matches {key-name} references in strings
var keyRefPattern = regexp.MustCompile(`\{([a-zA-Z0-9_-]+)\}`)

// ReplaceKeyReferences replaces all {key-name} references in the input string
// with values from kvMap. Unknown references are left unchanged and logged.
func ReplaceKeyReferences(input string, kvMap map[string]string, logger arbor.ILogger) string {
	if input == "" {
		return input
	}

	if logger != nil {
		for _, key := range MissingKeyReferences(input, kvMap) {
			logger.Warn().
				Str("reference", "{"+key+"}").
				Str("key", key).
				Msg("Unresolved key reference")
		}
	}

	return keyRefPattern.ReplaceAllStringFunc(input, func(match string) string {
		if value, exists := kvMap[match[1:len(match)-1]]; exists {
			return value
		}
		return match
	})
}

// MissingKeyReferences lists the referenced keys that have no value in kvMap
func MissingKeyReferences(input string, kvMap map[string]string) []string {
	var missing []string
	for _, match := range keyRefPattern.FindAllStringSubmatch(input, -1) {
		if _, exists := kvMap[match[1]]; !exists {
			missing = append(missing, match[1])
		}
	}
	return missing
}

// ExpandArgs expands {key} references in every argument. Unlike
// ReplaceKeyReferences it fails on the first reference without a value,
// so a worker is never launched with a literal placeholder.
func ExpandArgs(args []string, values map[string]string) ([]string, error) {
	expanded := make([]string, 0, len(args))
	for i, arg := range args {
		if missing := MissingKeyReferences(arg, values); len(missing) > 0 {
			return nil, fmt.Errorf("argument %d (%q) references missing value %q", i, arg, missing[0])
		}
		expanded = append(expanded, ReplaceKeyReferences(arg, values, nil))
	}
	return expanded, nil
}
