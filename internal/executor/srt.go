package executor

import (
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/fusionn-mood/internal/capability"
	"github.com/fusionn-mood/pkg/logger"
)

var (
	blockSep  = regexp.MustCompile(`\n\s*\n`)
	timestamp = regexp.MustCompile(`^(\d+):(\d{2}):(\d{2})(?:[,.](\d{1,3}))?$`)
	markup    = regexp.MustCompile(`<[^>]+>|\{\\[^}]*\}`)
)

// ParseSRT reads an SRT document. Each block is an index line, a
// "start --> end" line and one or more text lines, which are joined with a
// space. Malformed blocks are skipped; so are cues with no text after
// markup is stripped.
func ParseSRT(r io.Reader) ([]capability.Caption, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read subtitles")
	}

	doc := strings.ReplaceAll(string(raw), "\r\n", "\n")
	doc = strings.TrimPrefix(doc, "\ufeff")

	var captions []capability.Caption
	for _, block := range blockSep.Split(strings.TrimSpace(doc), -1) {
		c, ok := parseBlock(block)
		if !ok {
			if strings.TrimSpace(block) != "" {
				logger.Debugf("Skipping malformed SRT block: %q", block)
			}
			continue
		}
		captions = append(captions, c)
	}
	return captions, nil
}

func parseBlock(block string) (capability.Caption, bool) {
	lines := strings.Split(strings.TrimSpace(block), "\n")
	if len(lines) < 3 {
		return capability.Caption{}, false
	}

	parts := strings.Split(lines[1], "-->")
	if len(parts) != 2 {
		return capability.Caption{}, false
	}
	start, ok := parseTimestamp(parts[0])
	if !ok {
		return capability.Caption{}, false
	}
	// cue settings may follow the end time
	endField := strings.Fields(parts[1])
	if len(endField) == 0 {
		return capability.Caption{}, false
	}
	end, ok := parseTimestamp(endField[0])
	if !ok || end < start {
		return capability.Caption{}, false
	}

	text := make([]string, 0, len(lines)-2)
	for _, l := range lines[2:] {
		if l = strings.TrimSpace(markup.ReplaceAllString(l, "")); l != "" {
			text = append(text, l)
		}
	}
	if len(text) == 0 {
		return capability.Caption{}, false
	}

	return capability.Caption{Start: start, End: end, Text: strings.Join(text, " ")}, true
}

// parseTimestamp turns HH:MM:SS,mmm into seconds.
func parseTimestamp(s string) (float64, bool) {
	m := timestamp.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	sec, _ := strconv.Atoi(m[3])
	ms := 0
	if m[4] != "" {
		// "5" means 500ms, as in 00:00:01,5
		frac := m[4] + strings.Repeat("0", 3-len(m[4]))
		ms, _ = strconv.Atoi(frac)
	}
	return float64(h*3600+mins*60+sec) + float64(ms)/1000, true
}
