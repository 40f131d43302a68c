package app

import (
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// ANSI escape codes used by the pretty handler.
const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

const (
	prettyDefaultWidth = 100
	prettyMinWidth     = 40
)

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// stripANSI removes escape sequences so width math works on visible characters.
func stripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}

// visualLen is the on-screen rune count of s, escape sequences excluded.
func visualLen(s string) int {
	return len([]rune(stripANSI(s)))
}

// wrapSegments lays segments out onto lines no wider than width, joining with
// sep and prefixing continuation lines with contPrefix. Segments that alone
// exceed the width are truncated with an ellipsis marker.
func wrapSegments(segments []string, sep string, width int, contPrefix string) []string {
	if width < prettyMinWidth {
		width = prettyMinWidth
	}

	var (
		lines []string
		cur   string
	)

	flush := func() {
		if cur != "" {
			lines = append(lines, cur)
			cur = ""
		}
	}

	for _, seg := range segments {
		if seg == "" {
			continue
		}

		if visualLen(seg) > width {
			seg = truncateVisual(seg, width-len([]rune(contPrefix))-1)
		}

		switch {
		case cur == "" && len(lines) == 0:
			cur = seg
		case cur == "":
			cur = contPrefix + seg
		case visualLen(cur)+visualLen(sep)+visualLen(seg) <= width:
			cur += sep + seg
		default:
			flush()
			cur = contPrefix + seg
		}
	}
	flush()
	return lines
}

func truncateVisual(s string, max int) string {
	if max <= 0 {
		max = 1
	}
	r := []rune(stripANSI(s))
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}

func (h *prettyHandler) terminalWidth() int {
	if v := strings.TrimSpace(os.Getenv("COURIER_LOG_WIDTH")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= prettyMinWidth {
			return n
		}
	}
	if v := strings.TrimSpace(os.Getenv("COLUMNS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= prettyMinWidth {
			return n
		}
	}
	return prettyDefaultWidth
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		if n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func colorizeHTTPMethod(method string, color bool) string {
	if !color {
		return method
	}
	switch method {
	case "GET":
		return ansiGreen + method + ansiReset
	case "POST":
		return ansiBlue + method + ansiReset
	case "PUT", "PATCH":
		return ansiYellow + method + ansiReset
	case "DELETE":
		return ansiRed + method + ansiReset
	default:
		return method
	}
}

func colorizeStatusCode(status int, color bool) string {
	s := strconv.Itoa(status)
	if !color {
		return s
	}
	switch {
	case status >= 500:
		return ansiRed + s + ansiReset
	case status >= 400:
		return ansiYellow + s + ansiReset
	case status >= 300:
		return ansiCyan + s + ansiReset
	default:
		return ansiGreen + s + ansiReset
	}
}

func colorizeStatusClass(class string, color bool) string {
	if !color {
		return class
	}
	switch class {
	case "5xx":
		return ansiRed + class + ansiReset
	case "4xx":
		return ansiYellow + class + ansiReset
	case "3xx":
		return ansiCyan + class + ansiReset
	default:
		return ansiGreen + class + ansiReset
	}
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	if !color {
		return s
	}
	switch {
	case ms >= 1000:
		return ansiRed + s + ansiReset
	case ms >= 250:
		return ansiYellow + s + ansiReset
	default:
		return ansiDim + s + ansiReset
	}
}

func colorizeResult(result string, color bool) string {
	if !color {
		return result
	}
	switch result {
	case "server_error":
		return ansiRed + result + ansiReset
	case "client_error":
		return ansiYellow + result + ansiReset
	default:
		return ansiGreen + result + ansiReset
	}
}
