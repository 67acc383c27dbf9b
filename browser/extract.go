package browser

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

type ElementNotFoundError struct {
	Selector string
}

func (e ElementNotFoundError) Error() string {
	return fmt.Sprintf("element '%s' not found", e.Selector)
}

func (e ElementNotFoundError) Is(target error) bool {
	var t *ElementNotFoundError
	return errors.As(target, &t)
}

// ExtractFields evaluates each selector against html and returns the text of
// the first match. A selector of the form "css@attr" reads the attribute
// instead of the text. Every field must match.
func ExtractFields(html string, fields map[string]string) (map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	out := make(map[string]string, len(fields))
	for name, sel := range fields {
		val, ok := SelectValue(doc.Selection, sel)
		if !ok {
			return out, &ElementNotFoundError{Selector: sel}
		}
		out[name] = val
	}
	return out, nil
}

// SelectValue reads one selector of the form "css" or "css@attr" from the first
// match under root. root itself is considered when it matches css.
func SelectValue(root *goquery.Selection, sel string) (string, bool) {
	node := Select(root, sel).First()
	if node.Length() == 0 {
		return "", false
	}
	if _, attr, ok := strings.Cut(sel, "@"); ok {
		val, ok := node.Attr(attr)
		return strings.TrimSpace(val), ok
	}
	return strings.TrimSpace(node.Text()), true
}

// Select returns every node under root (or root itself) matching the css part
// of sel.
func Select(root *goquery.Selection, sel string) *goquery.Selection {
	css, _, _ := strings.Cut(sel, "@")
	if root.Is(css) {
		return root
	}
	return root.Find(css)
}
