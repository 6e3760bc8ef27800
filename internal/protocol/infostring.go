package protocol

import "strings"

// InfoString is the backslash-separated key-value form game servers speak:
// "\key\value\key\value". Keys are case-sensitive.
type InfoString map[string]string

// ParseInfoString decodes an infostring. A trailing key without a value
// maps to the empty string; later occurrences of a key win.
func ParseInfoString(s string) InfoString {
	info := make(InfoString)
	parts := strings.Split(s, "\\")
	// parts[0] is what precedes the first separator, usually empty
	for i := 1; i < len(parts); i += 2 {
		key := parts[i]
		if key == "" {
			continue
		}
		value := ""
		if i+1 < len(parts) {
			value = parts[i+1]
		}
		info[key] = value
	}
	return info
}

// Get returns the value for key, or "" when absent. Safe on a nil map.
func (i InfoString) Get(key string) string {
	return i[key]
}
