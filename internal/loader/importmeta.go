package loader

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// ImportMetaParts is the data half of an import.meta object; the function
// bindings (resolve, resolveSync, require) are attached JS-side.
type ImportMetaParts struct {
	Dir  string `json:"dir"`
	File string `json:"file"`
	Path string `json:"path"`
	URL  string `json:"url"`
}

// SplitKey splits a module key at its last path separator. A key with no
// separator yields an empty dir and the whole key as file.
func SplitKey(key string) (dir, file string) {
	i := strings.LastIndexByte(key, '/')
	if i < 0 {
		return "", key
	}
	return key[:i], key[i+1:]
}

// FileURL renders a module key in file-URL form, percent-encoding path
// segments as needed.
func FileURL(key string) string {
	u := url.URL{Scheme: "file", Path: key}
	return u.String()
}

// MakeImportMetaParts builds the data fields for a module key.
func MakeImportMetaParts(key string) ImportMetaParts {
	dir, file := SplitKey(key)
	return ImportMetaParts{
		Dir:  dir,
		File: file,
		Path: key,
		URL:  FileURL(key),
	}
}

func importMetaPartsJSON(key string) (string, error) {
	data, err := json.Marshal(MakeImportMetaParts(key))
	if err != nil {
		return "", fmt.Errorf("encoding import.meta for %s: %w", key, err)
	}
	return string(data), nil
}

// jsonLiteral renders v as a JS expression via JSON.
func jsonLiteral(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
