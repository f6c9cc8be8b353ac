package convo

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/skritek/pagepilot/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// Regexes use \x60 for backticks because Go raw strings cannot contain them.

	// fencedObjectRegex extracts a JSON object wrapped in a markdown fence.
	fencedObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
	// fencedArrayRegex extracts a JSON array wrapped in a markdown fence.
	fencedArrayRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(\\[.*\\])\\s*\x60\x60\x60")
)

// ExtractJSON recovers a JSON value of type T from raw model output. Models
// wrap JSON in markdown fences or bury it in prose more often than they
// return it clean; this peels the common cases before unmarshalling.
// Unrecoverable output wraps schemas.ErrDecisionUnparseable.
func ExtractJSON[T any](response string) (*T, error) {
	response = strings.TrimSpace(response)
	candidate := response

	hasObject := strings.Contains(response, "{")
	hasArray := strings.Contains(response, "[")

	switch {
	case strings.HasPrefix(response, "```"):
		var matches []string
		if hasObject {
			matches = fencedObjectRegex.FindStringSubmatch(response)
		}
		if len(matches) <= 1 && hasArray {
			matches = fencedArrayRegex.FindStringSubmatch(response)
		}
		if len(matches) > 1 {
			candidate = matches[1]
		}

	case (hasObject || hasArray) && !strings.HasPrefix(response, "{") && !strings.HasPrefix(response, "["):
		// JSON buried in conversational text: take the outermost structure.
		if sub, ok := outermost(response, "{", "}"); ok {
			candidate = sub
		} else if sub, ok := outermost(response, "[", "]"); ok {
			candidate = sub
		}
	}

	var result T
	if err := json.UnmarshalFromString(candidate, &result); err != nil {
		return nil, fmt.Errorf("%w: %v (extracted: %s)",
			schemas.ErrDecisionUnparseable, err, truncate(candidate, 500))
	}
	return &result, nil
}

func outermost(s, open, end string) (string, bool) {
	first := strings.Index(s, open)
	last := strings.LastIndex(s, end)
	if first == -1 || last == -1 || last <= first {
		return "", false
	}
	return s[first : last+1], true
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
