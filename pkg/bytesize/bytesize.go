// Package bytesize provides utilities for parsing and formatting byte sizes.
//
// Decimal units (KB, MB, GB, TB) are powers of 1000 so that limits such as
// "1.9MB" mean exactly 1,900,000 bytes. Binary units (KiB, MiB, GiB, TiB and
// the Kubernetes-style Ki, Mi, Gi, Ti) are powers of 1024.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Decimal byte size units.
const (
	B  int64 = 1
	KB int64 = 1000
	MB int64 = 1000 * KB
	GB int64 = 1000 * MB
	TB int64 = 1000 * GB
)

// Binary byte size units.
const (
	KiB int64 = 1024
	MiB int64 = 1024 * KiB
	GiB int64 = 1024 * MiB
	TiB int64 = 1024 * GiB
)

// sizePattern matches size strings like "100MB", "1.9 MB", "10Gi" or "1024".
var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

// Parse parses a byte size string like "1.9MB", "16GB", "10Gi" or "1024" into bytes.
// If no unit is specified, bytes are assumed.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", matches[1])
	}

	var multiplier int64
	switch strings.ToUpper(matches[2]) {
	case "", "B":
		multiplier = B
	case "KB", "K":
		multiplier = KB
	case "MB", "M":
		multiplier = MB
	case "GB", "G":
		multiplier = GB
	case "TB", "T":
		multiplier = TB
	case "KIB", "KI":
		multiplier = KiB
	case "MIB", "MI":
		multiplier = MiB
	case "GIB", "GI":
		multiplier = GiB
	case "TIB", "TI":
		multiplier = TiB
	default:
		return 0, fmt.Errorf("unknown unit: %q", matches[2])
	}

	// Round rather than truncate: 1.9*1e6 is 1899999.9999999998 in float64.
	return int64(value*float64(multiplier) + 0.5), nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) int64 {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format formats a byte count into a human-readable decimal string.
func Format(bytes int64) string {
	if bytes == 0 {
		return "0 B"
	}

	units := []struct {
		threshold int64
		unit      string
	}{
		{TB, "TB"},
		{GB, "GB"},
		{MB, "MB"},
		{KB, "KB"},
	}

	for _, u := range units {
		if bytes >= u.threshold {
			return fmt.Sprintf("%.2f %s", float64(bytes)/float64(u.threshold), u.unit)
		}
	}

	return fmt.Sprintf("%d B", bytes)
}

// Size is a byte size that can be unmarshaled from YAML as either
// a number (bytes) or a string with units ("1.9MB", "16GB", "10Gi").
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// Integers first: a bare 1900000 also unmarshals into a string.
	var i int64
	if err := unmarshal(&i); err == nil {
		*s = Size(i)
		return nil
	}

	var str string
	if err := unmarshal(&str); err == nil {
		bytes, err := Parse(str)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", str, err)
		}
		*s = Size(bytes)
		return nil
	}

	return fmt.Errorf("size must be a number or string with units (e.g., 1.9MB, 16GB, 10Gi)")
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 {
	return int64(s)
}

// String returns a human-readable representation.
func (s Size) String() string {
	return Format(int64(s))
}
