// Package search derives full-text documents from event content and prepares
// user input for FTS5 MATCH expressions.
package search

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/relaycache/internal/kinds"
)

// ErrInvalidProfile indicates that kind 0 content is not a JSON object.
var ErrInvalidProfile = errors.New("search: invalid profile content")

// profileFields lists the indexed profile attributes in document order.
var profileFields = []string{"name", "display_name", "about", "website", "lud16", "nip05"}

var matchReplacer = strings.NewReplacer(".", "+", "@", "+")

// Document returns the searchable text for an event. ok is false when the kind
// is not indexed or the content holds nothing to index; err is only set for
// profile content that cannot be parsed.
func Document(kind int, content string) (string, bool, error) {
	switch kind {
	case kinds.ProfileMetadata:
		return profileDocument(content)
	case kinds.TextNote:
		return content, true, nil
	default:
		return "", false, nil
	}
}

// Indexed reports whether events of the kind receive a search document.
func Indexed(kind int) bool {
	return kind == kinds.ProfileMetadata || kind == kinds.TextNote
}

func profileDocument(content string) (string, bool, error) {
	var profile map[string]any
	if err := json.Unmarshal([]byte(content), &profile); err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if profile == nil {
		return "", false, nil
	}

	values := make([]string, len(profileFields))
	populated := false
	for index, field := range profileFields {
		value, ok := profile[field].(string)
		if !ok {
			continue
		}
		values[index] = value
		if strings.TrimSpace(value) != "" {
			populated = true
		}
	}
	if !populated {
		return "", false, nil
	}
	return strings.Join(values, " "), true, nil
}

// MatchExpression rewrites a search string so dotted and email-like tokens
// survive the FTS5 tokenizer as phrases.
func MatchExpression(query string) string {
	return matchReplacer.Replace(query)
}
