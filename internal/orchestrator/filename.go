package orchestrator

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

// badFilenameChars strips the same OS-unsafe character set gonzb's
// downloader.Service.sanitizeFileName does, generalized from Usenet
// subject lines to arbitrary caller-supplied or URL-derived names.
var badFilenameChars = regexp.MustCompile(`[\\/:*?"<>|]`)

var whitespaceRun = regexp.MustCompile(`\s+`)

// deriveFilename returns req.Filename sanitized, or — when the caller left
// it blank — a name derived from the last path segment of OriginalURL, so
// every submission lands on a safe destination name.
func deriveFilename(req Request) string {
	name := req.Filename
	if name == "" {
		name = basenameFromURL(req.OriginalURL)
	}
	return sanitizeFilename(name)
}

func basenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "download"
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return "download"
	}
	return base
}

func sanitizeFilename(name string) string {
	name = badFilenameChars.ReplaceAllString(name, "_")
	name = whitespaceRun.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)
	if name == "" {
		return "download"
	}
	return name
}
