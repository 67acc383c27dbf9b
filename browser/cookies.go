package browser

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"realty_scrooper/models"
)

//go:embed schemas/cookie_jar.json
var schemaFS embed.FS

const cookieJarSchema = "schemas/cookie_jar.json"

var jarSchema = mustCompileJarSchema()

func mustCompileJarSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	file, err := schemaFS.Open(cookieJarSchema)
	if err != nil {
		panic(err)
	}
	defer file.Close()
	if err := compiler.AddResource(cookieJarSchema, file); err != nil {
		panic(fmt.Sprintf("add cookie jar schema: %v", err))
	}
	return compiler.MustCompile(cookieJarSchema)
}

// CookieJarExists reports whether a jar has been prepared at path.
func CookieJarExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// LoadCookieJar reads and validates a cookie jar file. A missing file is not an
// error and yields no cookies.
func LoadCookieJar(path string) ([]models.Cookie, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cookie jar: %w", err)
	}
	return ParseCookieJar(data)
}

func ParseCookieJar(data []byte) ([]models.Cookie, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("cookie jar is not valid JSON: %w", err)
	}
	if err := jarSchema.Validate(v); err != nil {
		return nil, fmt.Errorf("cookie jar schema validation failed: %w", err)
	}

	var cookies []models.Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("decode cookie jar: %w", err)
	}
	for i := range cookies {
		if cookies[i].Path == "" {
			cookies[i].Path = "/"
		}
	}
	return cookies, nil
}
