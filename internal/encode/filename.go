package encode

import (
	"fmt"
	"strings"
)

const (
	defaultFilenameStem = "render"
	maxSlugLen          = 48
)

// SuggestedFilename builds a stable download name such as
// "rajasthani-cinematic-8k.jpg".
func SuggestedFilename(name string, format Format, width, height int) string {
	return fmt.Sprintf("%s-cinematic-%s.%s", Slug(name), ResolutionLabel(width, height), Extension(format))
}

// ResolutionLabel names the common UHD targets and falls back to WxH.
func ResolutionLabel(width, height int) string {
	switch {
	case width >= 7680 && height >= 4320:
		return "8k"
	case width >= 3840 && height >= 2160:
		return "4k"
	default:
		return fmt.Sprintf("%dx%d", width, height)
	}
}

// Slug lowercases name, replaces anything outside [a-z0-9] with single dashes
// and caps the result at 48 bytes.
func Slug(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	out := b.String()
	if len(out) > maxSlugLen {
		out = out[:maxSlugLen]
	}
	out = strings.TrimSuffix(out, "-")
	if out == "" {
		return defaultFilenameStem
	}
	return out
}
