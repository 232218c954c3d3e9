package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	inchSizeRe     = regexp.MustCompile(`^(\d+\s+\d+/\d+|\d+/\d+|\d*\.\d+|\d+)\s*-\s*(\d+(?:\.\d+)?)$`)
	numberedSizeRe = regexp.MustCompile(`^#\s*(\d{1,2})\s*-\s*(\d+)$`)
	metricSizeRe   = regexp.MustCompile(`(?i)^M\s*(\d+(?:\.\d+)?)(?:\s*[X×]\s*(\d+(?:\.\d+)?))?$`)
	spaceRe        = regexp.MustCompile(`\s+`)
)

// ThreadSpec is a normalized thread designation.
type ThreadSpec struct {
	Size  string
	Class string
	Type  string
	Form  string
}

// Matches reports whether two specs describe the same thread (size, class, type).
func (a ThreadSpec) Matches(b ThreadSpec) bool {
	return a.Size == b.Size && a.Class == b.Class && a.Type == b.Type
}

// Mismatch returns the first differing field name, or "" when the specs match.
func (a ThreadSpec) Mismatch(b ThreadSpec) string {
	switch {
	case a.Size != b.Size:
		return "thread_size"
	case a.Class != b.Class:
		return "thread_class"
	case a.Type != b.Type:
		return "thread_type"
	}
	return ""
}

// ParseThread normalizes the raw fields of a thread specification.
func ParseThread(size, class, threadType, form string) (ThreadSpec, error) {
	normalizedSize, err := NormalizeSize(size)
	if err != nil {
		return ThreadSpec{}, err
	}
	return ThreadSpec{
		Size:  normalizedSize,
		Class: NormalizeClass(class),
		Type:  NormalizeClass(threadType),
		Form:  NormalizeForm(form),
	}, nil
}

// NormalizeSize brings inch, numbered and metric sizes to one canonical
// spelling so that ".500-20", "0.5-20" and "1/2-20" compare equal. Other
// designations (ACME, stub, special threads) are kept as an upper-cased token
// with single spaces and only compare equal to the same spelling.
func NormalizeSize(raw string) (string, error) {
	s := strings.TrimSpace(spaceRe.ReplaceAllString(raw, " "))
	if s == "" {
		return "", fmt.Errorf("empty thread size")
	}

	if m := metricSizeRe.FindStringSubmatch(s); m != nil {
		if m[2] == "" {
			return "M" + trimFloat(m[1]), nil
		}
		return "M" + trimFloat(m[1]) + "X" + trimFloat(m[2]), nil
	}

	if m := numberedSizeRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		tpi, _ := strconv.Atoi(m[2])
		return fmt.Sprintf("#%d-%d", n, tpi), nil
	}

	if m := inchSizeRe.FindStringSubmatch(s); m != nil {
		diameter, err := parseDiameter(m[1])
		if err != nil {
			return "", fmt.Errorf("unable to parse thread size %q: %w", raw, err)
		}
		d := strconv.FormatFloat(diameter, 'f', 3, 64)
		// Inch gauges are written without the leading zero: ".500" not "0.500".
		d = strings.TrimPrefix(d, "0")
		return d + "-" + trimFloat(m[2]), nil
	}

	return strings.ToUpper(s), nil
}

// NormalizeClass upper-cases and strips whitespace ("2a" -> "2A", "unc" -> "UNC").
func NormalizeClass(raw string) string {
	return strings.ToUpper(spaceRe.ReplaceAllString(strings.TrimSpace(raw), ""))
}

// NormalizeForm lower-cases and snake-cases the thread form; empty means "standard".
func NormalizeForm(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "standard"
	}
	s = strings.ReplaceAll(s, "-", "_")
	return spaceRe.ReplaceAllString(s, "_")
}

func parseDiameter(s string) (float64, error) {
	whole := 0.0
	if parts := strings.Fields(s); len(parts) == 2 {
		w, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return 0, err
		}
		whole = w
		s = parts[1]
	}
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, err
		}
		d, err := strconv.ParseFloat(den, 64)
		if err != nil {
			return 0, err
		}
		if d == 0 {
			return 0, fmt.Errorf("zero denominator")
		}
		return whole + n/d, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return whole + v, nil
}

func trimFloat(s string) string {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
