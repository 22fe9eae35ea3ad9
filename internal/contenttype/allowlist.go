// Package contenttype holds the set of upstream content types the gateway
// is willing to relay.
package contenttype

import (
	"mime"
	"strings"
)

// DefaultTypes are the media types accepted without configuration.
var DefaultTypes = []string{
	"image/avif",
	"image/bmp",
	"image/cgm",
	"image/g3fax",
	"image/gif",
	"image/ief",
	"image/jp2",
	"image/jpeg",
	"image/jpg",
	"image/pict",
	"image/png",
	"image/prs.btif",
	"image/svg+xml",
	"image/tiff",
	"image/vnd.adobe.photoshop",
	"image/vnd.djvu",
	"image/vnd.dwg",
	"image/vnd.dxf",
	"image/vnd.fastbidsheet",
	"image/vnd.fpx",
	"image/vnd.fst",
	"image/vnd.fujixerox.edmics-mmr",
	"image/vnd.fujixerox.edmics-rlc",
	"image/vnd.microsoft.icon",
	"image/vnd.ms-modi",
	"image/vnd.net-fpx",
	"image/vnd.wap.wbmp",
	"image/vnd.xiff",
	"image/webp",
	"image/x-cmu-raster",
	"image/x-cmx",
	"image/x-icon",
	"image/x-macpaint",
	"image/x-pcx",
	"image/x-pict",
	"image/x-portable-anymap",
	"image/x-portable-bitmap",
	"image/x-portable-graymap",
	"image/x-portable-pixmap",
	"image/x-quicktime",
	"image/x-rgb",
	"image/x-xbitmap",
	"image/x-xpixmap",
	"image/x-xwindowdump",
}

// AllowList is an immutable set of acceptable media types.
type AllowList struct {
	types map[string]struct{}
}

// NewAllowList returns the default types plus any extra ones. Entries that do
// not parse as media types are ignored; config validation rejects them first.
func NewAllowList(extra []string) *AllowList {
	a := &AllowList{types: make(map[string]struct{}, len(DefaultTypes)+len(extra))}
	for _, t := range DefaultTypes {
		a.types[t] = struct{}{}
	}
	for _, t := range extra {
		if mt, ok := mediaType(t); ok {
			a.types[mt] = struct{}{}
		}
	}
	return a
}

// Allowed reports whether a Content-Type header value names an accepted
// media type. Parameters such as charset are ignored.
func (a *AllowList) Allowed(contentType string) bool {
	mt, ok := mediaType(contentType)
	if !ok {
		return false
	}
	_, found := a.types[mt]
	return found
}

// Len returns the number of accepted media types.
func (a *AllowList) Len() int { return len(a.types) }

func mediaType(v string) (string, bool) {
	mt, _, err := mime.ParseMediaType(strings.TrimSpace(v))
	if err != nil || !strings.Contains(mt, "/") {
		return "", false
	}
	return mt, true
}
