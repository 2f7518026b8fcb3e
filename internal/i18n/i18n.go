// Package i18n resolves UI and system strings from embedded YAML catalogs.
// Stores and the stream client depend only on the Translator interface; the
// catalog implementation is swappable in tests.
package i18n

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed catalogs/*.yaml
var catalogFS embed.FS

// Translator resolves a message key to a localized string. Params are
// substituted into {name} placeholders. Unknown keys return the key itself
// so a missing translation is visible instead of silent.
type Translator interface {
	T(key string, params map[string]string) string
}

// Catalog is a Translator bound to one resolved language, with English as
// the per-key fallback.
type Catalog struct {
	tag      language.Tag
	messages map[string]string
	fallback map[string]string
}

// DefaultLanguage is used when negotiation fails entirely.
const DefaultLanguage = "en"

// New loads the embedded catalogs and binds to the best match for the
// requested language tag (e.g. "de", "en-US"). Unknown or empty tags
// resolve to English.
func New(lang string) (*Catalog, error) {
	all, err := loadCatalogs()
	if err != nil {
		return nil, err
	}

	tags := make([]language.Tag, 0, len(all))
	// English first so it wins ties and acts as matcher default.
	tags = append(tags, language.English)
	for code := range all {
		if code != DefaultLanguage {
			tags = append(tags, language.Make(code))
		}
	}
	matcher := language.NewMatcher(tags)

	tag, _ := language.MatchStrings(matcher, lang)
	base, _ := tag.Base()
	messages, ok := all[base.String()]
	if !ok {
		tag = language.English
		messages = all[DefaultLanguage]
	}

	return &Catalog{
		tag:      tag,
		messages: messages,
		fallback: all[DefaultLanguage],
	}, nil
}

// Language returns the resolved language tag.
func (c *Catalog) Language() language.Tag {
	return c.tag
}

// T implements Translator.
func (c *Catalog) T(key string, params map[string]string) string {
	msg, ok := c.messages[key]
	if !ok {
		msg, ok = c.fallback[key]
	}
	if !ok {
		return key
	}
	for name, val := range params {
		msg = strings.ReplaceAll(msg, "{"+name+"}", val)
	}
	return msg
}

func loadCatalogs() (map[string]map[string]string, error) {
	entries, err := fs.ReadDir(catalogFS, "catalogs")
	if err != nil {
		return nil, fmt.Errorf("read catalogs: %w", err)
	}

	all := make(map[string]map[string]string, len(entries))
	for _, e := range entries {
		code := strings.TrimSuffix(e.Name(), ".yaml")
		data, err := catalogFS.ReadFile(path.Join("catalogs", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", e.Name(), err)
		}

		var messages map[string]string
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&messages); err != nil {
			return nil, fmt.Errorf("parse catalog %s: %w", e.Name(), err)
		}
		all[code] = messages
	}

	if _, ok := all[DefaultLanguage]; !ok {
		return nil, fmt.Errorf("embedded catalogs missing %q", DefaultLanguage)
	}
	return all, nil
}

// Static is a Translator over a fixed message map, for tests.
type Static map[string]string

func (s Static) T(key string, params map[string]string) string {
	msg, ok := s[key]
	if !ok {
		return key
	}
	for name, val := range params {
		msg = strings.ReplaceAll(msg, "{"+name+"}", val)
	}
	return msg
}
