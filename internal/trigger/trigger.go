// Package trigger implements the trigger and routing layer: normalized
// keyword matching over inbound text and interactive replies,
// used both to select a candidate Flow for an inbound webhook message and,
// within a chosen flow, to select its starting trigger node.
package trigger

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"flowcast/internal/models"
)

const defaultKeyword = "default"

var lowerCaser = cases.Lower(language.Und)

// Normalize folds s to its NFD-stripped, lowercased, trimmed form, so
// keyword matching is case- and diacritic-insensitive. Implemented with
// golang.org/x/text rather than a hand-rolled diacritic stripper.
// Idempotent: Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.TrimSpace(lowerCaser.String(out))
}

// InboundText is the normalized candidate text/interactive shape used for
// both flow selection and trigger-node selection.
type InboundText struct {
	FullText          string
	InteractiveTitle  string
	InteractiveID     string
}

// FlowCandidate is the subset of a Flow's fields the matcher needs.
type FlowCandidate struct {
	FlowID    string
	Trigger   string
	UpdatedAt int64 // unix nanos; only relative ordering matters
}

// SelectFlow scores candidate Active, WhatsApp-channel flows against an
// inbound message and returns the winning flow id. When nothing matches and
// no candidate has a default trigger, it falls back to the first candidate;
// it returns "" only when candidates is empty.
func SelectFlow(in InboundText, candidates []FlowCandidate) string {
	normText := Normalize(in.FullText)
	normTitle := Normalize(in.InteractiveTitle)
	normID := Normalize(in.InteractiveID)
	keywords := keywordCandidates(in)

	var bestID string
	var bestScore int
	var bestUpdated int64
	haveBest := false

	var bestDefaultID string
	var bestDefaultUpdated int64
	haveDefault := false

	for _, c := range candidates {
		normTrigger := Normalize(c.Trigger)
		if normTrigger == "" {
			continue
		}

		if normTrigger == defaultKeyword {
			if !haveDefault || c.UpdatedAt > bestDefaultUpdated {
				bestDefaultID = c.FlowID
				bestDefaultUpdated = c.UpdatedAt
				haveDefault = true
			}
			continue
		}

		matched := keywords[normTrigger] ||
			(normText != "" && strings.Contains(normText, normTrigger)) ||
			(normTitle != "" && strings.Contains(normTitle, normTrigger)) ||
			(normID != "" && normID == normTrigger)
		if !matched {
			continue
		}

		score := 6
		if normText == normTrigger {
			score += 2
		}
		if normTitle == normTrigger {
			score++
		}
		if normID == normTrigger {
			score++
		}

		if !haveBest || score > bestScore || (score == bestScore && c.UpdatedAt > bestUpdated) {
			bestID = c.FlowID
			bestScore = score
			bestUpdated = c.UpdatedAt
			haveBest = true
		}
	}

	if haveBest && bestScore > 0 {
		return bestID
	}
	if haveDefault {
		return bestDefaultID
	}
	if len(candidates) > 0 {
		return candidates[0].FlowID
	}
	return ""
}

// keywordCandidates forms the candidate keyword set: each of
// text/interactiveTitle/interactiveId, normalized, both whole and split on
// whitespace.
func keywordCandidates(in InboundText) map[string]bool {
	out := map[string]bool{}
	for _, raw := range []string{in.FullText, in.InteractiveTitle, in.InteractiveID} {
		normed := Normalize(raw)
		if normed == "" {
			continue
		}
		out[normed] = true
		for _, part := range strings.Fields(normed) {
			out[part] = true
		}
	}
	return out
}

// SelectTriggerNode runs the same keyword matching against text (no
// interactive fields) over a flow's trigger nodes, returning the winning
// node id or "" if the inbound should be dropped.
func SelectTriggerNode(text string, nodes []models.Node) string {
	in := InboundText{FullText: text}
	normText := Normalize(text)
	keywords := keywordCandidates(in)

	var defaultNodeID string
	haveDefault := false

	for _, n := range nodes {
		if n.Type != models.NodeTrigger {
			continue
		}
		kw, _ := n.Data["keyword"].(string)
		normTrigger := Normalize(kw)
		if normTrigger == "" {
			continue
		}
		if normTrigger == defaultKeyword {
			if !haveDefault {
				defaultNodeID = n.ID
				haveDefault = true
			}
			continue
		}
		if keywords[normTrigger] || (normText != "" && strings.Contains(normText, normTrigger)) {
			return n.ID
		}
	}

	if haveDefault {
		return defaultNodeID
	}
	return ""
}
