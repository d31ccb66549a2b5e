package archive

import "strings"

// placeholderTokens mark a stored name that came from a synthesized or
// failed extraction and should always yield to a real one.
var placeholderTokens = []string{"待更新", "Company ", "未知", "Unknown", "TBD", "N/A"}

// BetterName reports whether the new name should replace the old one. A
// replacement happens when the old value is a placeholder, when the new
// value is substantially longer, or when the new value is meaningfully
// more Chinese than the old.
func BetterName(oldName, newName string) bool {
	if newName == "" {
		return false
	}
	if oldName == "" {
		return true
	}
	for _, tok := range placeholderTokens {
		if strings.Contains(oldName, tok) {
			return true
		}
	}
	if float64(len([]rune(newName))) > 1.5*float64(len([]rune(oldName))) {
		return true
	}
	newHan := countHan(newName)
	if newHan > countHan(oldName) && float64(newHan) > 0.3*float64(len([]rune(newName))) {
		return true
	}
	return false
}

func countHan(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x4E00 && r <= 0x9FFF {
			n++
		}
	}
	return n
}
