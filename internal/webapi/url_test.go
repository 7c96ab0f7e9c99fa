package webapi

import (
	"strings"
	"testing"
)

func TestParseURL_Components(t *testing.T) {
	p, err := ParseURL("https://user:pw@example.com:8443/a/b?x=1&y=2#frag", "")
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	if p.Protocol != "https:" {
		t.Errorf("protocol = %q", p.Protocol)
	}
	if p.Hostname != "example.com" || p.Port != "8443" || p.Host != "example.com:8443" {
		t.Errorf("host parts = %q %q %q", p.Hostname, p.Port, p.Host)
	}
	if p.Pathname != "/a/b" {
		t.Errorf("pathname = %q", p.Pathname)
	}
	if p.Search != "?x=1&y=2" {
		t.Errorf("search = %q", p.Search)
	}
	if p.Hash != "#frag" {
		t.Errorf("hash = %q", p.Hash)
	}
	if p.Origin != "https://example.com:8443" {
		t.Errorf("origin = %q", p.Origin)
	}
	if p.Username != "user" || p.Password != "pw" {
		t.Errorf("credentials = %q %q", p.Username, p.Password)
	}
}

func TestParseURL_ResolvesAgainstBase(t *testing.T) {
	p, err := ParseURL("../sibling?q=1", "https://example.com/a/b/c")
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	if p.Pathname != "/a/sibling" {
		t.Errorf("pathname = %q, want /a/sibling", p.Pathname)
	}
	if p.Search != "?q=1" {
		t.Errorf("search = %q", p.Search)
	}
}

func TestParseURL_RejectsSchemeless(t *testing.T) {
	for _, raw := range []string{"not a url", "/no/scheme", "example.com/path"} {
		if _, err := ParseURL(raw, ""); err == nil {
			t.Errorf("ParseURL(%q) succeeded, want error", raw)
		} else if !strings.Contains(err.Error(), "invalid URL") {
			t.Errorf("ParseURL(%q) error = %v", raw, err)
		}
	}
}

func TestParseURL_RejectsBadBase(t *testing.T) {
	if _, err := ParseURL("./x", "::notabase::"); err == nil {
		t.Error("bad base accepted")
	}
}
