package geo

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Rules configures the label parser. Empty fields fall back to DefaultRules.
type Rules struct {
	Blocklist       []string `yaml:"blocklist"`
	MetroStopWords  []string `yaml:"metro_stop_words"`
	DistrictMarkers []string `yaml:"district_markers"`
	MinutesPattern  string   `yaml:"minutes_pattern"`

	// Refresh is how long the district and metro tables are cached before the
	// resolver reads them again.
	Refresh time.Duration `yaml:"refresh"`
}

func DefaultRules() Rules {
	return Rules{
		Blocklist: []string{
			"Новомосковский",
			"Троицкий",
			"Зеленоградский",
			"Московская область",
		},
		MetroStopWords:  []string{"м.", "метро", "станция"},
		DistrictMarkers: []string{"р-н", "район", "р-он", "р.н."},
		MinutesPattern:  `(\d+)[\s\x{00A0}]*мин`,
		Refresh:         15 * time.Minute,
	}
}

// LoadRules reads rules from a YAML file. A missing file yields the defaults.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRules(), nil
		}
		return Rules{}, err
	}

	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return rules.withDefaults(), nil
}

func (r Rules) withDefaults() Rules {
	def := DefaultRules()
	if len(r.Blocklist) == 0 {
		r.Blocklist = def.Blocklist
	}
	if len(r.MetroStopWords) == 0 {
		r.MetroStopWords = def.MetroStopWords
	}
	if len(r.DistrictMarkers) == 0 {
		r.DistrictMarkers = def.DistrictMarkers
	}
	if r.MinutesPattern == "" {
		r.MinutesPattern = def.MinutesPattern
	}
	if r.Refresh <= 0 {
		r.Refresh = def.Refresh
	}
	return r
}

// matcher is the compiled form of Rules.
type matcher struct {
	blocklist []string
	stopWords [][]rune
	markers   [][]rune
	minutes   *regexp.Regexp
}

func compile(r Rules) (*matcher, error) {
	r = r.withDefaults()

	minutes, err := regexp.Compile(r.MinutesPattern)
	if err != nil {
		return nil, fmt.Errorf("minutes pattern: %w", err)
	}

	m := &matcher{minutes: minutes}
	for _, term := range r.Blocklist {
		if term = strings.TrimSpace(term); term != "" {
			m.blocklist = append(m.blocklist, fold(term))
		}
	}
	for _, w := range r.MetroStopWords {
		m.stopWords = append(m.stopWords, lowerRunes(w))
	}
	for _, w := range r.DistrictMarkers {
		m.markers = append(m.markers, lowerRunes(w))
	}
	return m, nil
}

func (m *matcher) blocked(labels []string) (string, bool) {
	for _, label := range labels {
		folded := fold(label)
		for _, term := range m.blocklist {
			if strings.Contains(folded, term) {
				return term, true
			}
		}
	}
	return "", false
}

// findWord locates word in label on word boundaries, comparing lowercase runes
// so the returned indices refer to the original label.
func findWord(label []rune, word []rune) (int, int, bool) {
	if len(word) == 0 || len(word) > len(label) {
		return 0, 0, false
	}
	closedByPunct := !isWordRune(word[len(word)-1])

	for i := 0; i+len(word) <= len(label); i++ {
		if i > 0 && isWordRune(label[i-1]) {
			continue
		}
		match := true
		for j, w := range word {
			if unicode.ToLower(label[i+j]) != w {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		end := i + len(word)
		if !closedByPunct && end < len(label) && isWordRune(label[end]) {
			continue
		}
		return i, end, true
	}
	return 0, 0, false
}

func findAny(label []rune, words [][]rune) (int, int, bool) {
	for _, w := range words {
		if start, end, ok := findWord(label, w); ok {
			return start, end, true
		}
	}
	return 0, 0, false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func lowerRunes(s string) []rune {
	runes := []rune(strings.TrimSpace(s))
	for i, r := range runes {
		runes[i] = unicode.ToLower(r)
	}
	return runes
}

func trimLabel(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.Trim(s, " ,.;:")
}
