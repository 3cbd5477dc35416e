package announce

import "strings"

// FacePhrase is spoken when a known person comes into view.
func FacePhrase(name string) string {
	return name + " is there"
}

// ObjectsPhrase lists detected objects, e.g. "I see cup, chair".
func ObjectsPhrase(objects []string) string {
	return "I see " + strings.Join(objects, ", ")
}

// TextPhrase reads detected text as a single line.
func TextPhrase(text string) string {
	return "Text says: " + flatten(text)
}

// flatten joins multi-line text with single spaces.
func flatten(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
