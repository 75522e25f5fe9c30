// Package params validates news search parameters and derives the hash used
// to keep a user's tasks distinct.
package params

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"

	"github.com/mohans/newsdigest/apperr"
)

// VersionV1 tags the parameter layout stored on a task.
const VersionV1 = "news-fetch:v1"

// Countries accepted by the top-headlines endpoint.
var Countries = []string{
	"ae", "ar", "at", "au", "be", "bg", "br", "ca", "ch", "cn", "co", "cu",
	"cz", "de", "eg", "fr", "gb", "gr", "hk", "hu", "id", "ie", "il", "in",
	"it", "jp", "kr", "lt", "lv", "ma", "mx", "my", "ng", "nl", "no", "nz",
	"ph", "pl", "pt", "ro", "rs", "ru", "sa", "se", "sg", "si", "sk", "th",
	"tr", "tw", "ua", "us", "ve", "za",
}

// Categories accepted by the top-headlines endpoint.
var Categories = []string{
	"business", "entertainment", "general", "health", "science", "sports", "technology",
}

// Parameters are the search filters of a task. A nil field means "not set".
type Parameters struct {
	Country  *string `json:"country"`
	Category *string `json:"category"`
	Query    *string `json:"query"`
	Version  string  `json:"version"`
}

// New builds Parameters from plain strings; empty strings become nil.
func New(country, category, query string) Parameters {
	return Parameters{
		Country:  ptr(country),
		Category: ptr(category),
		Query:    ptr(query),
		Version:  VersionV1,
	}
}

func ptr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func value(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// CountryValue, CategoryValue and QueryValue return "" for unset fields.
func (p Parameters) CountryValue() string  { return value(p.Country) }
func (p Parameters) CategoryValue() string { return value(p.Category) }
func (p Parameters) QueryValue() string    { return value(p.Query) }

// Normalize lower-cases the enumerated fields, trims all fields and drops
// blanks. The query keeps its case for the upstream search.
func (p Parameters) Normalize() Parameters {
	out := Parameters{Version: p.Version}
	if out.Version == "" {
		out.Version = VersionV1
	}
	out.Country = ptr(strings.ToLower(strings.TrimSpace(value(p.Country))))
	out.Category = ptr(strings.ToLower(strings.TrimSpace(value(p.Category))))
	out.Query = ptr(strings.TrimSpace(value(p.Query)))
	return out
}

// Validate checks that at least one filter is set and that enumerated fields
// hold known values. Call it on normalized parameters.
func Validate(p Parameters) error {
	if p.Country == nil && p.Category == nil && p.Query == nil {
		return apperr.Validation("at least one of country, category, or query must be provided")
	}
	if p.Version != "" && p.Version != VersionV1 {
		return apperr.Validation("unsupported parameters version %q", p.Version)
	}
	if c := p.Country; c != nil && !slices.Contains(Countries, *c) {
		return apperr.Validation("unsupported country %q", *c)
	}
	if c := p.Category; c != nil && !slices.Contains(Categories, *c) {
		return apperr.Validation("unsupported category %q", *c)
	}
	return nil
}

// canonical is the hashed shape; field order is part of the hash.
type canonical struct {
	Country  *string `json:"country"`
	Category *string `json:"category"`
	Query    *string `json:"query"`
}

func canon(s *string) *string {
	v := strings.ToLower(strings.TrimSpace(value(s)))
	if v == "" {
		return nil
	}
	return &v
}

// Hash returns the hex SHA-256 of the canonical JSON encoding of p, where
// each field is lower-cased and trimmed and blanks encode as null.
func Hash(p Parameters) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding a struct of string pointers cannot fail
	_ = enc.Encode(canonical{
		Country:  canon(p.Country),
		Category: canon(p.Category),
		Query:    canon(p.Query),
	})
	sum := sha256.Sum256(bytes.TrimRight(buf.Bytes(), "\n"))
	return hex.EncodeToString(sum[:])
}
