package realm

import (
	"bytes"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	_ "github.com/glebarez/sqlite"

	"github.com/hostedat/realm/internal/core"
	"github.com/hostedat/realm/internal/eventloop"
	"github.com/hostedat/realm/internal/loader"
)

// DiskHost is a filesystem-backed Host: module keys are absolute paths
// under a root directory, TypeScript sources are lowered ahead of delivery
// with the lowered form cached in SQLite (brotli-compressed), and timers
// plus microtasks run on an embedded event loop.
type DiskHost struct {
	root string
	loop *eventloop.EventLoop

	mu sync.Mutex
	db *sql.DB
}

// probeExtensions are tried, in order, when a specifier has no extension.
var probeExtensions = []string{"", ".js", ".ts", ".mjs", ".json", "/index.js", "/index.ts"}

// transpiledExtensions name the dialects lowered host-side before delivery.
var transpiledExtensions = map[string]bool{
	".ts": true, ".tsx": true, ".mts": true, ".cts": true, ".jsx": true,
}

// NewDiskHost creates a host rooted at dir. cacheDSN names the SQLite
// database holding the transpile cache; empty uses an in-memory cache.
func NewDiskHost(dir, cacheDSN string) (*DiskHost, error) {
	if cacheDSN == "" {
		cacheDSN = ":memory:"
	}
	db, err := sql.Open("sqlite", cacheDSN)
	if err != nil {
		return nil, fmt.Errorf("opening transpile cache: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS transpile_cache (
		key  TEXT NOT NULL,
		hash TEXT NOT NULL,
		code BLOB NOT NULL,
		PRIMARY KEY (key, hash)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing transpile cache: %w", err)
	}
	return &DiskHost{
		root: path.Clean(dir),
		loop: eventloop.New(),
		db:   db,
	}, nil
}

// Resolve maps a specifier to an absolute path under the root. Relative
// specifiers resolve against the referrer's directory; everything else
// resolves against the root. Extension probing follows common module
// resolution order.
func (h *DiskHost) Resolve(specifier, referrer string) (string, error) {
	var base string
	switch {
	case strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../"):
		if referrer == "" {
			base = h.root
		} else {
			base = path.Dir(referrer)
		}
	case strings.HasPrefix(specifier, "/"):
		base = ""
	default:
		base = h.root
	}

	candidate := path.Clean(path.Join(base, specifier))
	if !strings.HasPrefix(candidate, h.root+"/") && candidate != h.root {
		return "", fmt.Errorf("cannot resolve module %q from %q: escapes module root", specifier, referrer)
	}
	for _, ext := range probeExtensions {
		p := candidate + ext
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("cannot resolve module %q from %q", specifier, referrer)
}

// Fetch reads the module bytes. Transpilable dialects are lowered through
// the cache and returned as SourceBytecode (already lowered, the loader
// skips its own transform); plain JavaScript is returned as SourceScript.
func (h *DiskHost) Fetch(key, hint string) (core.ResolvedSource, error) {
	raw, err := os.ReadFile(key)
	if err != nil {
		return core.ResolvedSource{}, fmt.Errorf("fetching %s: %w", key, err)
	}
	u := loader.FileURL(key)

	if !transpiledExtensions[path.Ext(key)] {
		return core.ResolvedSource{Tag: core.SourceScript, Code: raw, SourceURL: u}, nil
	}

	lowered, err := h.cachedLower(key, raw)
	if err != nil {
		return core.ResolvedSource{}, err
	}
	return core.ResolvedSource{Tag: core.SourceBytecode, Code: lowered, SourceURL: u}, nil
}

// cachedLower returns the lowered form of source, consulting the SQLite
// cache first. Cache entries are keyed by path plus content hash, so a
// changed file misses naturally; stale rows for the same path are evicted.
func (h *DiskHost) cachedLower(key string, source []byte) ([]byte, error) {
	sum := sha256.Sum256(source)
	hash := hex.EncodeToString(sum[:])

	h.mu.Lock()
	defer h.mu.Unlock()

	var compressed []byte
	err := h.db.QueryRow(
		"SELECT code FROM transpile_cache WHERE key = ? AND hash = ?", key, hash,
	).Scan(&compressed)
	if err == nil {
		out, derr := brotliDecompress(compressed)
		if derr == nil {
			return out, nil
		}
		// Corrupt cache row: fall through and rebuild it.
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("reading transpile cache for %s: %w", key, err)
	}

	lowered, err := loader.LowerModule(string(source), key)
	if err != nil {
		return nil, err
	}

	if _, err := h.db.Exec("DELETE FROM transpile_cache WHERE key = ?", key); err != nil {
		return nil, fmt.Errorf("evicting transpile cache for %s: %w", key, err)
	}
	if _, err := h.db.Exec(
		"INSERT INTO transpile_cache (key, hash, code) VALUES (?, ?, ?)",
		key, hash, brotliCompress([]byte(lowered)),
	); err != nil {
		return nil, fmt.Errorf("writing transpile cache for %s: %w", key, err)
	}
	return []byte(lowered), nil
}

// ReportUncaughtException logs the exception.
func (h *DiskHost) ReportUncaughtException(err error) {
	log.Printf("uncaught exception: %v", err)
}

// TrackPromiseRejection logs rejection state transitions.
func (h *DiskHost) TrackPromiseRejection(reason string, handled bool) {
	if handled {
		log.Printf("promise rejection handled late: %s", reason)
		return
	}
	log.Printf("unhandled promise rejection: %s", reason)
}

// QueueMicrotask enqueues the task on the embedded event loop.
func (h *DiskHost) QueueMicrotask(task func()) {
	h.loop.QueueMicrotask(task)
}

// SetTimer schedules a timer on the embedded event loop.
func (h *DiskHost) SetTimer(delayMs int, interval bool, fire func(id int)) int {
	return h.loop.SetTimer(delayMs, interval, fire)
}

// ClearTimer cancels a timer on the embedded event loop.
func (h *DiskHost) ClearTimer(id int) {
	h.loop.ClearTimer(id)
}

// OnFatalCrash logs the crash. It deliberately reads no engine state.
func (h *DiskHost) OnFatalCrash() {
	log.Printf("fatal engine crash")
}

// Loop exposes the embedded event loop so callers can drain it.
func (h *DiskHost) Loop() *eventloop.EventLoop { return h.loop }

// Close releases the transpile cache.
func (h *DiskHost) Close() error { return h.db.Close() }

func brotliCompress(data []byte) []byte {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.BestCompression)
	_, _ = w.Write(data)
	_ = w.Close()
	return buf.Bytes()
}

func brotliDecompress(data []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompressing cache entry: %w", err)
	}
	return out, nil
}
