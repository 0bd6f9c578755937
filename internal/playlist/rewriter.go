package playlist

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"hls-fetch/internal/model"
)

// Plan is the outcome of rewriting one media playlist.
type Plan struct {
	// Text is the rewritten manifest, line for line with the source.
	Text string
	// Tasks lists the resources still missing on disk, in manifest order.
	Tasks []model.Task
	// Total counts distinct remote resources referenced by the manifest.
	Total int
}

// Resolver maps manifest references to remote URLs and local destinations.
// A Resolver is bound to one manifest and is not safe for concurrent use.
type Resolver struct {
	prefix   string
	origin   string
	localDir string

	// Exists reports whether a destination is already on disk. Tasks are not
	// emitted for existing destinations.
	Exists func(path string) bool

	byURL   map[string]string
	byName  map[string]string
	planned map[string]bool
}

// NewResolver creates a resolver for the manifest at manifestURL whose
// resources are stored under localDir.
func NewResolver(manifestURL, localDir string) *Resolver {
	r := &Resolver{
		prefix:   URLPrefix(manifestURL),
		localDir: localDir,
		Exists:   fileExists,
		byURL:    make(map[string]string),
		byName:   make(map[string]string),
		planned:  make(map[string]bool),
	}
	if u, err := url.Parse(manifestURL); err == nil && u.Scheme != "" && u.Host != "" {
		r.origin = u.Scheme + "://" + u.Host
	}
	return r
}

// Prefix returns the directory URL of the manifest, without query string.
func (r *Resolver) Prefix() string {
	return r.prefix
}

// Rewrite transforms the raw manifest text. The result always has as many
// lines as the input.
func (r *Resolver) Rewrite(raw string) Plan {
	lines := strings.Split(raw, "\n")
	out := make([]string, len(lines))
	var plan Plan

	for i, rawLine := range lines {
		body := strings.TrimSuffix(rawLine, "\r")
		eol := rawLine[len(body):]

		line := ClassifyLine(body)
		var remote, dest string
		switch line.Kind {
		case URIDirective:
			remote = r.ResolveDirective(line.URI)
			dest = r.destination(remote)
			out[i] = strings.Replace(body, `URI="`+line.URI+`"`, `URI="`+dest+`"`, 1) + eol
		case MediaSegment:
			remote = r.ResolveSegment(line.URI)
			dest = r.destination(remote)
			out[i] = dest + eol
		default:
			out[i] = rawLine
			continue
		}

		if r.planned[remote] {
			continue
		}
		r.planned[remote] = true
		plan.Total++
		if r.Exists != nil && r.Exists(dest) {
			continue
		}
		plan.Tasks = append(plan.Tasks, model.Task{URL: remote, Destination: dest})
	}

	plan.Text = strings.Join(out, "\n")
	return plan
}

// ResolveSegment resolves a media segment reference.
//
// The sub-path containment check is a heuristic for CDNs that repeat part of
// the manifest directory in relative references; it is not RFC 3986. A
// leading "/" gets no special treatment here.
func (r *Resolver) ResolveSegment(ref string) string {
	if isAbsolute(ref) {
		return ref
	}
	dir, name := splitLast(ref)
	if !strings.Contains(r.prefix, dir) {
		return r.prefix + "/" + ref
	}
	return r.prefix + "/" + name
}

// ResolveDirective resolves the quoted URI of a tag such as EXT-X-KEY or
// EXT-X-MAP.
func (r *Resolver) ResolveDirective(ref string) string {
	if isAbsolute(ref) {
		return ref
	}
	if strings.HasPrefix(ref, "/") && r.origin != "" {
		return r.origin + ref
	}
	if !strings.Contains(ref, "/") {
		return r.prefix + "/" + ref
	}
	dir, _ := splitLast(ref)
	idx := strings.Index(r.prefix, dir)
	if idx < 0 {
		return r.prefix + "/" + ref
	}
	return strings.TrimSuffix(r.prefix[:idx], "/") + "/" + ref
}

// destination returns the local path for a resolved URL. Equal URLs share a
// destination; different URLs with the same basename get numbered names.
func (r *Resolver) destination(remote string) string {
	if dest, ok := r.byURL[remote]; ok {
		return dest
	}

	name := LocalName(remote)
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for n := 1; ; n++ {
		if _, taken := r.byName[candidate]; !taken {
			break
		}
		candidate = fmt.Sprintf("%s-%d%s", stem, n, ext)
	}

	dest := filepath.Join(r.localDir, candidate)
	r.byName[candidate] = remote
	r.byURL[remote] = dest
	return dest
}

// URLPrefix strips the query string and the last path element of rawURL.
func URLPrefix(rawURL string) string {
	u := StripQuery(rawURL)
	idx := strings.LastIndex(u, "/")
	if idx < 0 {
		return ""
	}
	return u[:idx]
}

// StripQuery drops everything from the first '?'.
func StripQuery(rawURL string) string {
	u, _, _ := strings.Cut(rawURL, "?")
	return u
}

// LocalName is the basename of rawURL without query string.
func LocalName(rawURL string) string {
	name := path.Base(StripQuery(rawURL))
	if name == "." || name == "/" || name == "" {
		return "index"
	}
	return name
}

func splitLast(ref string) (string, string) {
	idx := strings.LastIndex(ref, "/")
	if idx < 0 {
		return "", ref
	}
	return ref[:idx], ref[idx+1:]
}

func isAbsolute(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
