package playlist

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"
)

type PlaylistType int

const (
	Master PlaylistType = iota
	Variant
	Unknown
)

func (t PlaylistType) String() string {
	switch t {
	case Master:
		return "master"
	case Variant:
		return "variant"
	default:
		return "unknown"
	}
}

// ErrNotPlaylist is returned for content without the #EXTM3U header.
var ErrNotPlaylist = errors.New("content is not an m3u8 playlist")

// ErrNoVariants is returned when a master playlist lists no streams.
var ErrNoVariants = errors.New("master playlist has no variants")

// Inspect checks the content and returns its type, plus the decoded
// playlist when it is a master.
func Inspect(content string) (PlaylistType, *m3u8.MasterPlaylist, error) {
	if !hasHeader(content) {
		return Unknown, nil, ErrNotPlaylist
	}

	p, listType, err := m3u8.DecodeFrom(strings.NewReader(content), false)
	if err != nil {
		// Media playlists are rewritten textually, so a decoder complaint
		// only matters when the content looks like a master.
		if strings.Contains(content, "#EXT-X-STREAM-INF") {
			return Unknown, nil, fmt.Errorf("decode master playlist: %w", err)
		}
		return Variant, nil, nil
	}

	switch listType {
	case m3u8.MASTER:
		return Master, p.(*m3u8.MasterPlaylist), nil
	default:
		return Variant, nil, nil
	}
}

// BestVariant picks the stream with the highest bandwidth and returns its
// absolute URL.
func BestVariant(p *m3u8.MasterPlaylist, masterURL string) (string, error) {
	var best *m3u8.Variant
	for _, v := range p.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	if best == nil {
		return "", ErrNoVariants
	}

	base, err := url.Parse(masterURL)
	if err != nil {
		return "", fmt.Errorf("parse master url: %w", err)
	}
	return resolveURL(base, best.URI), nil
}

// resolveURL resolves a relative reference against a base URL
func resolveURL(base *url.URL, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref // fallback
	}
	return base.ResolveReference(refURL).String()
}

func hasHeader(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(line, "\ufeff"))
		if line == "" {
			continue
		}
		return strings.HasPrefix(line, "#EXTM3U")
	}
	return false
}
