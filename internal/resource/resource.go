// Package resource names the kinds of resources the file source serves and
// derives their normalized URLs and cache keys.
package resource

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Kind is the closed set of resources a map fetches.
type Kind int

const (
	Unknown Kind = iota
	Tile
	Style
	Glyphs
	Sprite
	SpriteImage
)

func (k Kind) String() string {
	switch k {
	case Tile:
		return "tile"
	case Style:
		return "style"
	case Glyphs:
		return "glyphs"
	case Sprite:
		return "sprite"
	case SpriteImage:
		return "sprite-image"
	default:
		return "unknown"
	}
}

// Accept is the Accept header sent when fetching a resource of this kind.
func (k Kind) Accept() string {
	switch k {
	case Tile:
		return "application/vnd.mapbox-vector-tile, application/x-protobuf, image/*;q=0.8"
	case Style, Sprite:
		return "application/json"
	case Glyphs:
		return "application/x-protobuf"
	case SpriteImage:
		return "image/png"
	default:
		return "*/*"
	}
}

// AssetScheme marks resources read from the local asset root.
const AssetScheme = "asset"

const tokenParam = "access_token"

// Resource is a normalized request target.
type Resource struct {
	Kind Kind
	// URL is absolute and carries no access token. It is the cache key.
	URL string
}

// Key identifies the resource for request coalescing.
func (r Resource) Key() string {
	return r.Kind.String() + " " + r.URL
}

// IsAsset reports whether the resource is served from the asset root.
func (r Resource) IsAsset() bool {
	return strings.HasPrefix(r.URL, AssetScheme+"://")
}

// AssetPath returns the path below the asset root.
func (r Resource) AssetPath() string {
	return strings.TrimPrefix(r.URL, AssetScheme+"://")
}

// New resolves raw against base and normalizes it. Relative URLs require a
// base. Access tokens are stripped so that cache keys do not depend on the
// credential in use.
func New(kind Kind, base, raw string) (Resource, error) {
	if kind == Unknown {
		return Resource{}, fmt.Errorf("unknown resource kind")
	}
	if strings.HasPrefix(raw, AssetScheme+"://") {
		return Resource{Kind: kind, URL: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Resource{}, fmt.Errorf("invalid resource url %q: %w", raw, err)
	}
	if !u.IsAbs() {
		if base == "" {
			return Resource{}, fmt.Errorf("relative resource url %q without base", raw)
		}
		if strings.HasPrefix(base, AssetScheme+"://") {
			return Resource{Kind: kind, URL: strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(raw, "/")}, nil
		}
		b, err := url.Parse(base)
		if err != nil {
			return Resource{}, fmt.Errorf("invalid base url %q: %w", base, err)
		}
		if !strings.HasSuffix(b.Path, "/") {
			b.Path += "/"
		}
		u = b.ResolveReference(u)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	q := u.Query()
	q.Del(tokenParam)
	u.RawQuery = encodeSorted(q)

	return Resource{Kind: kind, URL: u.String()}, nil
}

func encodeSorted(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		for _, v := range q[k] {
			if sb.Len() > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(url.QueryEscape(k))
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(v))
		}
	}
	return sb.String()
}

// WithAccessToken returns the URL to put on the wire for r.
func (r Resource) WithAccessToken(token string) string {
	if token == "" || r.IsAsset() {
		return r.URL
	}
	sep := "?"
	if strings.Contains(r.URL, "?") {
		sep = "&"
	}
	return r.URL + sep + tokenParam + "=" + url.QueryEscape(token)
}
