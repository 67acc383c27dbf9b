package browser

import (
	"errors"
	"testing"
)

func TestExtractFields(t *testing.T) {
	html := `<div class="item">
		<a class="link" href="/moskva/kvartiry/2-k_54m_3456789012"> 2-к. квартира </a>
		<span class="geo">м. Фрунзенская, 7 мин</span>
	</div>`

	got, err := ExtractFields(html, map[string]string{
		"title": "a.link",
		"href":  "a.link@href",
		"geo":   ".geo",
	})
	if err != nil {
		t.Fatalf("ExtractFields: %v", err)
	}
	if got["title"] != "2-к. квартира" || got["href"] != "/moskva/kvartiry/2-k_54m_3456789012" || got["geo"] != "м. Фрунзенская, 7 мин" {
		t.Fatalf("fields = %v", got)
	}

	_, err = ExtractFields(html, map[string]string{"img": "img@src"})
	var notFound *ElementNotFoundError
	if !errors.As(err, &notFound) || notFound.Selector != "img@src" {
		t.Fatalf("expected ElementNotFoundError, got %v", err)
	}

	_, err = ExtractFields(html, map[string]string{"id": "a.link@data-id"})
	if !errors.Is(err, &ElementNotFoundError{}) {
		t.Fatalf("missing attribute should be not found, got %v", err)
	}
}

func TestParseCookieJar(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		want    int
	}{
		{"valid", `[{"name":"a","value":"1","domain":".avito.ru","expires":1735689600.5,"secure":true}]`, false, 1},
		{"empty", `[]`, false, 0},
		{"missing domain", `[{"name":"a","value":"1"}]`, true, 0},
		{"bad same site", `[{"name":"a","value":"1","domain":"x","sameSite":"Sometimes"}]`, true, 0},
		{"not an array", `{"name":"a"}`, true, 0},
		{"not json", `cookies`, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cookies, err := ParseCookieJar([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(cookies) != tt.want {
				t.Fatalf("cookies = %+v", cookies)
			}
		})
	}
}
