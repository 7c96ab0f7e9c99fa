package webapi

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/hostedat/realm/internal/core"
)

// urlJS defines Headers, URL, and URLSearchParams in the builtin registry.
// URL parsing is backed by the Go-side __rm_parseURL helper.
const urlJS = `
(function() {
const B = globalThis.__rm_builtins;

class Headers {
	constructor(init) {
		this._map = {};
		if (init) {
			if (init instanceof Headers) {
				for (const [k, v] of init.entries()) {
					const key = k.toLowerCase();
					if (!this._map[key]) this._map[key] = [];
					this._map[key].push(v);
				}
			} else if (Array.isArray(init)) {
				for (const [k, v] of init) {
					const key = k.toLowerCase();
					if (!this._map[key]) this._map[key] = [];
					this._map[key].push(String(v));
				}
			} else {
				for (const [k, v] of Object.entries(init)) this._map[k.toLowerCase()] = [String(v)];
			}
		}
	}
	get(name) { return this._map[name.toLowerCase()]?.join(', ') ?? null; }
	set(name, value) { this._map[name.toLowerCase()] = [String(value)]; }
	has(name) { return name.toLowerCase() in this._map; }
	delete(name) { delete this._map[name.toLowerCase()]; }
	append(name, value) {
		const key = name.toLowerCase();
		if (!this._map[key]) this._map[key] = [];
		this._map[key].push(String(value));
	}
	forEach(cb) { for (const [k, vs] of Object.entries(this._map)) cb(vs.join(', '), k, this); }
	entries() { return Object.entries(this._map).map(([k, vs]) => [k, vs.join(', ')])[Symbol.iterator](); }
	keys() { return Object.keys(this._map)[Symbol.iterator](); }
	values() { return Object.entries(this._map).map(([, vs]) => vs.join(', '))[Symbol.iterator](); }
	getSetCookie() { return [...(this._map['set-cookie'] || [])]; }
	get [Symbol.toStringTag]() { return 'Headers'; }
	[Symbol.iterator]() { return this.entries(); }
}

class URLSearchParams {
	constructor(init) {
		this._entries = [];
		if (init instanceof URLSearchParams) {
			this._entries = init._entries.map(e => [...e]);
		} else if (Array.isArray(init)) {
			for (const pair of init) this._entries.push([String(pair[0]), String(pair[1])]);
		} else if (typeof init === 'object' && init !== null) {
			for (const [k, v] of Object.entries(init)) this._entries.push([String(k), String(v)]);
		} else if (typeof init === 'string') {
			const s = init.startsWith('?') ? init.slice(1) : init;
			if (s) {
				for (const pair of s.split('&')) {
					const [k, ...rest] = pair.split('=');
					this._entries.push([decodeURIComponent(k.replace(/\+/g, '%20')), decodeURIComponent(rest.join('=').replace(/\+/g, '%20'))]);
				}
			}
		}
	}
	get(name) {
		const e = this._entries.find(([k]) => k === name);
		return e ? e[1] : null;
	}
	getAll(name) { return this._entries.filter(([k]) => k === name).map(([, v]) => v); }
	has(name, value) {
		return arguments.length > 1
			? this._entries.some(([k, v]) => k === name && v === value)
			: this._entries.some(([k]) => k === name);
	}
	set(name, value) {
		const idx = this._entries.findIndex(([k]) => k === name);
		if (idx === -1) {
			this._entries.push([String(name), String(value)]);
		} else {
			this._entries[idx][1] = String(value);
			this._entries = this._entries.filter(([k], i) => k !== name || i === idx);
		}
	}
	append(name, value) { this._entries.push([String(name), String(value)]); }
	delete(name) { this._entries = this._entries.filter(([k]) => k !== name); }
	sort() { this._entries.sort((a, b) => a[0] < b[0] ? -1 : a[0] > b[0] ? 1 : 0); }
	get size() { return this._entries.length; }
	toString() { return this._entries.map(([k, v]) => encodeURIComponent(k) + '=' + encodeURIComponent(v)).join('&'); }
	forEach(cb) { for (const [k, v] of this._entries) cb(v, k, this); }
	entries() { return this._entries[Symbol.iterator](); }
	keys() { return this._entries.map(([k]) => k)[Symbol.iterator](); }
	values() { return this._entries.map(([, v]) => v)[Symbol.iterator](); }
	get [Symbol.toStringTag]() { return 'URLSearchParams'; }
	[Symbol.iterator]() { return this.entries(); }
}

class URL {
	constructor(input, base) {
		const parsed = JSON.parse(__rm_parseURL(String(input), base === undefined ? '' : String(base)));
		if (parsed.error) throw new TypeError(parsed.error);
		this._protocol = parsed.protocol;
		this._hostname = parsed.hostname;
		this._port = parsed.port;
		this._pathname = parsed.pathname;
		this._search = parsed.search;
		this._hash = parsed.hash;
		this._username = parsed.username || '';
		this._password = parsed.password || '';
		this._buildHref();
		this._searchParams = new URLSearchParams(this._search);
	}
	_buildHref() {
		let userInfo = '';
		if (this._username) {
			userInfo = this._username + (this._password ? ':' + this._password : '') + '@';
		}
		this._host = this._port ? this._hostname + ':' + this._port : this._hostname;
		this._origin = this._protocol + '//' + this._host;
		this._href = this._protocol + '//' + userInfo + this._host + this._pathname + this._search + this._hash;
	}
	get href() { return this._href; }
	set href(v) {
		const parsed = JSON.parse(__rm_parseURL(String(v), ''));
		if (parsed.error) throw new TypeError(parsed.error);
		this._protocol = parsed.protocol;
		this._hostname = parsed.hostname;
		this._port = parsed.port;
		this._pathname = parsed.pathname;
		this._search = parsed.search;
		this._hash = parsed.hash;
		this._username = parsed.username || '';
		this._password = parsed.password || '';
		this._buildHref();
		this._searchParams = new URLSearchParams(this._search);
	}
	get protocol() { return this._protocol; }
	set protocol(v) { this._protocol = v; this._buildHref(); }
	get hostname() { return this._hostname; }
	set hostname(v) { this._hostname = v; this._buildHref(); }
	get port() { return this._port; }
	set port(v) { this._port = String(v); this._buildHref(); }
	get pathname() { return this._pathname; }
	set pathname(v) { this._pathname = v; this._buildHref(); }
	get search() { return this._search; }
	set search(v) {
		this._search = v;
		this._buildHref();
		this._searchParams = new URLSearchParams(this._search);
	}
	get hash() { return this._hash; }
	set hash(v) { this._hash = v; this._buildHref(); }
	get origin() { return this._origin; }
	get host() { return this._host; }
	get username() { return this._username; }
	get password() { return this._password; }
	get searchParams() { return this._searchParams; }
	toString() { return this.href; }
	toJSON() { return this.href; }
	get [Symbol.toStringTag]() { return 'URL'; }
	static canParse(u, base) {
		try {
			new URL(String(u), base === undefined ? undefined : String(base));
			return true;
		} catch {
			return false;
		}
	}
}

B.Headers = Headers;
B.URLSearchParams = URLSearchParams;
B.URL = URL;
})();
`

// URLParsed is the JSON structure returned by __rm_parseURL.
type URLParsed struct {
	Href     string `json:"href"`
	Protocol string `json:"protocol"`
	Hostname string `json:"hostname"`
	Port     string `json:"port"`
	Pathname string `json:"pathname"`
	Search   string `json:"search"`
	Hash     string `json:"hash"`
	Origin   string `json:"origin"`
	Host     string `json:"host"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// ParseURL parses rawURL, optionally against a base, into the component
// form the JS URL class consumes.
func ParseURL(rawURL, base string) (*URLParsed, error) {
	var u *url.URL
	var err error

	if base != "" {
		baseURL, berr := url.Parse(base)
		if berr != nil {
			return nil, fmt.Errorf("invalid base URL: %s", base)
		}
		ref, rerr := url.Parse(rawURL)
		if rerr != nil {
			return nil, fmt.Errorf("invalid URL: %s", rawURL)
		}
		u = baseURL.ResolveReference(ref)
	} else {
		u, err = url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("invalid URL: %s", rawURL)
		}
	}

	if u.Scheme == "" {
		return nil, fmt.Errorf("invalid URL: %s", rawURL)
	}

	protocol := u.Scheme + ":"
	hostname := u.Hostname()
	port := u.Port()
	host := hostname
	if port != "" {
		host = hostname + ":" + port
	}
	origin := protocol + "//" + host
	search := ""
	if u.RawQuery != "" {
		search = "?" + u.RawQuery
	}
	hash := ""
	if u.Fragment != "" {
		hash = "#" + u.Fragment
	}

	var username, password string
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	pathname := u.Path
	if pathname == "" {
		pathname = "/"
	}

	userInfo := ""
	if u.User != nil {
		userInfo = u.User.String() + "@"
	}
	href := protocol + "//" + userInfo + host + pathname + search + hash

	return &URLParsed{
		Href:     href,
		Protocol: protocol,
		Hostname: hostname,
		Port:     port,
		Pathname: pathname,
		Search:   search,
		Hash:     hash,
		Origin:   origin,
		Host:     host,
		Username: username,
		Password: password,
	}, nil
}

// SetupURL registers the Go-backed URL parser and evaluates the URL,
// URLSearchParams, and Headers builtins.
func SetupURL(eng core.Engine, _ core.Host) error {
	if err := eng.RegisterFunc("__rm_parseURL", func(rawURL, base string) (string, error) {
		parsed, err := ParseURL(rawURL, base)
		if err != nil {
			return fmt.Sprintf(`{"error":%q}`, err.Error()), nil
		}
		data, _ := json.Marshal(parsed)
		return string(data), nil
	}); err != nil {
		return err
	}
	if err := eng.Eval(urlJS); err != nil {
		return fmt.Errorf("evaluating url.js: %w", err)
	}
	return nil
}
