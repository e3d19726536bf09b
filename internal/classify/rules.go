package classify

import (
	"sort"
	"strings"
)

// RuleSet is an immutable snapshot of the fast-path rules.
type RuleSet struct {
	vips     map[string]string
	keywords []string
}

// NewRuleSet normalizes VIP sender values and keywords into a lookup snapshot.
func NewRuleSet(vipSenders, keywords []string) *RuleSet {
	set := &RuleSet{vips: make(map[string]string, len(vipSenders))}
	for _, value := range vipSenders {
		normalized := normalizeRule(value)
		if normalized == "" {
			continue
		}
		set.vips[normalized] = normalized
		// "@handle" and "handle" address the same chat user; "@corp.com" and "corp.com" the same domain.
		if trimmed := strings.TrimPrefix(normalized, "@"); trimmed != normalized && trimmed != "" {
			if _, exists := set.vips[trimmed]; !exists {
				set.vips[trimmed] = normalized
			}
		}
	}
	seen := make(map[string]struct{}, len(keywords))
	for _, keyword := range keywords {
		normalized := normalizeRule(keyword)
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		set.keywords = append(set.keywords, normalized)
	}
	sort.Strings(set.keywords)
	return set
}

func normalizeRule(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// MatchVIP returns the rule that marks the sender as a VIP, if any.
func (r *RuleSet) MatchVIP(sender string) (string, bool) {
	if r == nil || len(r.vips) == 0 {
		return "", false
	}
	for _, candidate := range senderCandidates(sender) {
		if rule, ok := r.vips[candidate]; ok {
			return rule, true
		}
	}
	return "", false
}

// MatchKeyword returns the first keyword contained in the message body, if any.
func (r *RuleSet) MatchKeyword(text string) (string, bool) {
	if r == nil || len(r.keywords) == 0 {
		return "", false
	}
	haystack := strings.ToLower(text)
	for _, keyword := range r.keywords {
		if strings.Contains(haystack, keyword) {
			return keyword, true
		}
	}
	return "", false
}

// Size reports the number of VIP lookup keys and keywords.
func (r *RuleSet) Size() (int, int) {
	if r == nil {
		return 0, 0
	}
	return len(r.vips), len(r.keywords)
}

// senderCandidates expands a sender into every key a VIP rule may be stored under:
// the raw sender, the address inside "Name <addr>", the chat handle with and without
// "@", and the address's domain plus each parent domain.
func senderCandidates(sender string) []string {
	normalized := normalizeRule(sender)
	if normalized == "" {
		return nil
	}
	candidates := []string{normalized}

	address := normalized
	if open := strings.LastIndex(normalized, "<"); open >= 0 {
		if end := strings.LastIndex(normalized, ">"); end > open {
			address = strings.TrimSpace(normalized[open+1 : end])
			if address != "" {
				candidates = append(candidates, address)
			}
		}
	}

	at := strings.LastIndex(address, "@")
	switch {
	case at == 0:
		candidates = append(candidates, address[1:])
	case at > 0:
		domain := address[at+1:]
		labels := strings.Split(domain, ".")
		for i := 0; i+1 < len(labels); i++ {
			candidates = append(candidates, strings.Join(labels[i:], "."))
		}
	default:
		if !strings.ContainsAny(address, " \t") {
			candidates = append(candidates, "@"+address)
		}
	}
	return candidates
}
