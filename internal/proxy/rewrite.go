package proxy

import (
	"encoding/base64"
	"net/url"
	"regexp"
	"strings"
)

var uriAttrRe = regexp.MustCompile(`URI="([^"]+)"`)

// EncodeSegmentURL encodes an absolute origin URL for the segment route.
func EncodeSegmentURL(absolute string) string {
	return base64.URLEncoding.EncodeToString([]byte(absolute))
}

// DecodeSegmentURL reverses EncodeSegmentURL, tolerating stripped padding.
func DecodeSegmentURL(encoded string) (string, error) {
	if b, err := base64.URLEncoding.DecodeString(encoded); err == nil {
		return string(b), nil
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// segmentRoute builds the proxy URL a rewritten manifest line points at.
func segmentRoute(baseURL, streamID, absolute string) string {
	return baseURL + "/api/streams/" + streamID + "/segment/" + EncodeSegmentURL(absolute)
}

// RewriteManifest rewrites an HLS manifest so every resource URI goes
// through the proxy. Line order is preserved exactly; blank lines survive;
// comment lines are copied verbatim except for URI="..." attributes.
// originURL is the final URL after redirects and anchors relative paths.
func RewriteManifest(content, originURL, streamID, baseURL string) string {
	origin, err := url.Parse(originURL)
	if err != nil {
		origin = nil
	}

	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			out = append(out, line)
		case strings.HasPrefix(line, "#"):
			if strings.Contains(line, `URI="`) {
				line = rewriteURIAttr(line, origin, streamID, baseURL)
			}
			out = append(out, line)
		default:
			out = append(out, segmentRoute(baseURL, streamID, resolve(origin, line)))
		}
	}
	return strings.Join(out, "\n")
}

// rewriteURIAttr replaces the URI attribute of tags like #EXT-X-KEY and
// #EXT-X-MEDIA with the proxied equivalent.
func rewriteURIAttr(line string, origin *url.URL, streamID, baseURL string) string {
	return uriAttrRe.ReplaceAllStringFunc(line, func(match string) string {
		uri := uriAttrRe.FindStringSubmatch(match)[1]
		return `URI="` + segmentRoute(baseURL, streamID, resolve(origin, uri)) + `"`
	})
}

// resolve makes ref absolute against the origin manifest URL.
func resolve(origin *url.URL, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	if origin == nil {
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return origin.ResolveReference(parsed).String()
}
