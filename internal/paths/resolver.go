// Package paths converts between absolute filesystem paths and portable
// placeholder paths. Persisted metadata (backup sidecars, sync manifests)
// only ever contains placeholder paths such as ${DOCUMENTS}/PCSX2/memcards,
// so a backup created on one machine resolves correctly on another even when
// well-known folders live somewhere else there.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// Well-known placeholder tokens.
const (
	TokenHome         = "${HOME}"
	TokenDocuments    = "${DOCUMENTS}"
	TokenAppData      = "${APPDATA}"
	TokenLocalAppData = "${LOCALAPPDATA}"
)

// ResolutionError reports a portable path whose placeholder cannot be
// resolved on the current machine.
type ResolutionError struct {
	Token string
	Path  string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve placeholder %s in %q", e.Token, e.Path)
}

// Resolver maps between absolute and placeholder paths using a fixed set of
// machine roots. Roots are resolved when the Resolver is constructed and are
// valid for this machine only: decoding always uses the current machine's
// roots, never the roots of the machine that produced the path.
type Resolver struct {
	roots []root // sorted longest real path first
}

type root struct {
	token string
	path  string // absolute, forward slashes, no trailing separator
}

// NewResolver creates a Resolver with an explicit token -> absolute path
// table. Useful for tests and for injecting emulator-specific roots.
func NewResolver(roots map[string]string) *Resolver {
	r := &Resolver{}
	for token, p := range roots {
		if p == "" {
			continue
		}
		r.roots = append(r.roots, root{token: token, path: normalize(p)})
	}
	// Longest real path first so the most specific root wins on encode.
	sort.Slice(r.roots, func(i, j int) bool {
		if len(r.roots[i].path) != len(r.roots[j].path) {
			return len(r.roots[i].path) > len(r.roots[j].path)
		}
		return r.roots[i].token < r.roots[j].token
	})
	return r
}

// DefaultResolver resolves the current machine's well-known roots.
// On Windows the roaming and local app-data folders come from the
// environment; elsewhere the XDG-style config and cache directories
// take their place so emulator dotfile locations still encode portably.
func DefaultResolver() (*Resolver, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}

	roots := map[string]string{
		TokenHome:      home,
		TokenDocuments: filepath.Join(home, "Documents"),
	}

	if runtime.GOOS == "windows" {
		if v := os.Getenv("APPDATA"); v != "" {
			roots[TokenAppData] = v
		}
		if v := os.Getenv("LOCALAPPDATA"); v != "" {
			roots[TokenLocalAppData] = v
		}
	} else {
		if v, err := os.UserConfigDir(); err == nil {
			roots[TokenAppData] = v
		}
		if v, err := os.UserCacheDir(); err == nil {
			roots[TokenLocalAppData] = v
		}
	}

	return NewResolver(roots), nil
}

// Encode replaces the longest matching well-known root in absPath with its
// placeholder token and returns a forward-slash portable path. A path under
// no known root is returned slash-normalized but otherwise unchanged.
func (r *Resolver) Encode(absPath string) string {
	p := normalize(absPath)
	cmp := p
	if caseInsensitive() {
		cmp = strings.ToLower(p)
	}
	for _, rt := range r.roots {
		rp := rt.path
		if caseInsensitive() {
			rp = strings.ToLower(rp)
		}
		if cmp == rp {
			return rt.token
		}
		if strings.HasPrefix(cmp, rp+"/") {
			return rt.token + p[len(rt.path):]
		}
	}
	return p
}

// Decode expands the placeholder token in portable using this machine's
// roots and returns an absolute path in the native separator. A portable
// path without a placeholder is assumed to already be absolute.
func (r *Resolver) Decode(portable string) (string, error) {
	if !strings.HasPrefix(portable, "${") {
		return filepath.FromSlash(portable), nil
	}

	end := strings.IndexByte(portable, '}')
	if end < 0 {
		return "", &ResolutionError{Token: portable, Path: portable}
	}
	token := portable[:end+1]

	for _, rt := range r.roots {
		if rt.token != token {
			continue
		}
		rest := strings.TrimLeft(portable[len(token):], "/")
		if rest == "" {
			return filepath.FromSlash(rt.path), nil
		}
		return filepath.Join(filepath.FromSlash(rt.path), filepath.FromSlash(rest)), nil
	}

	return "", &ResolutionError{Token: token, Path: portable}
}

// Tokens returns the placeholder tokens known to this resolver.
func (r *Resolver) Tokens() []string {
	out := make([]string, 0, len(r.roots))
	for _, rt := range r.roots {
		out = append(out, rt.token)
	}
	return out
}

func normalize(p string) string {
	p = filepath.ToSlash(filepath.Clean(p))
	return strings.TrimRight(p, "/")
}

func caseInsensitive() bool {
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}
