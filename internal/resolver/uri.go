/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package resolver finds track references in free text and looks up their
// catalog metadata.
package resolver

import (
	"regexp"
	"strings"
)

// TrackURIPrefix is the canonical form of a track reference.
const TrackURIPrefix = "spotify:track:"

const trackURLPrefix = "http://open.spotify.com/track/"

var trackPattern = regexp.MustCompile(`(?i)(?:spotify:track:|https?://open\.spotify\.com/track/)([A-Za-z0-9]+)`)

// ExtractTrackURIs returns canonical track URIs mentioned in text, without
// duplicates, in the order they first appear.
func ExtractTrackURIs(text string) []string {
	matches := trackPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	uris := make([]string, 0, len(matches))
	for _, m := range matches {
		uri := TrackURIPrefix + m[1]
		if _, dup := seen[uri]; dup {
			continue
		}
		seen[uri] = struct{}{}
		uris = append(uris, uri)
	}
	return uris
}

// URIToURL converts a track URI into its web link. Other strings are returned unchanged.
func URIToURL(uri string) string {
	if id, ok := strings.CutPrefix(uri, TrackURIPrefix); ok && id != "" {
		return trackURLPrefix + id
	}
	return uri
}
