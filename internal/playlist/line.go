package playlist

import (
	"regexp"
	"strings"
)

// LineKind tells how a manifest line takes part in the rewrite.
type LineKind int

const (
	Blank LineKind = iota
	Comment
	URIDirective
	MediaSegment
)

func (k LineKind) String() string {
	switch k {
	case Blank:
		return "blank"
	case Comment:
		return "comment"
	case URIDirective:
		return "uri-directive"
	case MediaSegment:
		return "media-segment"
	default:
		return "unknown"
	}
}

// Line is one classified manifest line. URI holds the quoted token of a
// directive or the trimmed reference of a media segment.
type Line struct {
	Kind LineKind
	Raw  string
	URI  string
}

var uriAttr = regexp.MustCompile(`URI="(.+?)"`)

// ClassifyLine inspects a single line without its terminator.
func ClassifyLine(raw string) Line {
	trimmed := strings.TrimSpace(raw)
	switch {
	case trimmed == "":
		return Line{Kind: Blank, Raw: raw}
	case strings.HasPrefix(raw, "#"):
		if m := uriAttr.FindStringSubmatch(raw); m != nil {
			return Line{Kind: URIDirective, Raw: raw, URI: m[1]}
		}
		return Line{Kind: Comment, Raw: raw}
	default:
		return Line{Kind: MediaSegment, Raw: raw, URI: trimmed}
	}
}
