package tts

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// maxMessageSize bounds the escaped text sent in one SSML request.
const maxMessageSize = 4096

var shortVoice = regexp.MustCompile(`^([a-z]{2,})-([A-Z]{2,})-(.+Neural)$`)

// voiceName expands "ko-KR-SunHiNeural" into the long name SSML needs.
// Names that do not look like short names are used as given.
func voiceName(short string) string {
	m := shortVoice.FindStringSubmatch(short)
	if m == nil {
		return short
	}
	lang, region, name := m[1], m[2], m[3]
	if i := strings.Index(name, "-"); i >= 0 {
		region += "-" + name[:i]
		name = name[i+1:]
	}
	return "Microsoft Server Speech Text to Speech Voice (" + lang + "-" + region + ", " + name + ")"
}

func buildSSML(voice, rate, pitch, volume, escapedText string) string {
	return "<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='en-US'>" +
		"<voice name='" + voice + "'>" +
		"<prosody pitch='" + pitch + "' rate='" + rate + "' volume='" + volume + "'>" +
		escapedText +
		"</prosody></voice></speak>"
}

var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")

func escapeText(text string) string {
	return xmlEscaper.Replace(text)
}

// removeIncompatibleChars replaces control characters the service rejects
// with spaces.
func removeIncompatibleChars(text string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 0 && r <= 8) || (r >= 11 && r <= 12) || (r >= 14 && r <= 31) {
			return ' '
		}
		return r
	}, text)
}

// splitText cuts escaped text into parts of at most limit bytes, preferring
// newlines then spaces, never inside a rune or an XML entity.
func splitText(text string, limit int) []string {
	var parts []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = strings.LastIndex(text[:limit], " ")
		}
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		// step back before a partial entity
		if amp := strings.LastIndex(text[:cut], "&"); amp >= 0 && !strings.Contains(text[amp:cut], ";") {
			if amp > 0 {
				cut = amp
			}
		}

		if part := strings.TrimSpace(text[:cut]); part != "" {
			parts = append(parts, part)
		}
		text = text[cut:]
	}
	if part := strings.TrimSpace(text); part != "" {
		parts = append(parts, part)
	}
	return parts
}
