package services

import (
	"strings"

	"realty_scrooper/models"
)

var (
	developerKeywords = []string{"застройщик", "девелопер", "developer", "официальный представитель"}
	agencyKeywords    = []string{"агентство", "агент", "риелтор", "риэлтор", "брокер", "недвижимост", "агенство"}
	ownerKeywords     = []string{"собственник", "частное лицо", "владелец", "хозяин"}
)

// classifySeller splits the seller block into a display name and a coarse seller type.
// Developer wins over agency and agency wins over owner.
func classifySeller(text string) (string, models.PersonType) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", models.PersonTypeUnknown
	}

	person := text
	if i := strings.IndexAny(person, "\n|"); i >= 0 {
		person = person[:i]
	}
	person = strings.Join(strings.Fields(person), " ")

	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, developerKeywords):
		return person, models.PersonTypeDeveloper
	case containsAny(lower, agencyKeywords):
		return person, models.PersonTypeAgency
	case containsAny(lower, ownerKeywords):
		return person, models.PersonTypeOwner
	default:
		return person, models.PersonTypeUnknown
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// normalizeTags trims, drops empties and duplicates, keeping first-seen order.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.Join(strings.Fields(tag), " ")
		key := strings.ToLower(tag)
		if tag == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, tag)
	}
	return out
}
