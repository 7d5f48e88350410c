package agent

import (
	"regexp"
	"strings"
)

var (
	pressDigitRe  = regexp.MustCompile(`\bpress\s+([0-9])\b`)
	pressSymbolRe = regexp.MustCompile(`\bpress\s+(star|pound|asterisk|hash)\b`)
	forPressRe    = regexp.MustCompile(`\bfor\s+[^,.;]+?,?\s+press\s+([0-9]\b|[*#])`)
)

// Detect recognises phone-menu prompts like "press 3", "press pound" or
// "for billing, press #" and returns the keypress without consulting a model.
// It returns nil when the fragment has no such prompt.
func Detect(fragment string) *Decision {
	text := strings.ToLower(fragment)

	digit := ""
	if m := pressDigitRe.FindStringSubmatch(text); m != nil {
		digit = m[1]
	} else if m := pressSymbolRe.FindStringSubmatch(text); m != nil {
		digit = symbolDigit(m[1])
	} else if m := forPressRe.FindStringSubmatch(text); m != nil {
		digit = m[1]
	}
	if digit == "" {
		return nil
	}
	return &Decision{
		Heard:      truncateHeard(fragment),
		Action:     ActionDTMF,
		Digit:      digit,
		Confidence: ConfidenceHigh,
	}
}

func symbolDigit(word string) string {
	switch word {
	case "star", "asterisk":
		return "*"
	}
	return "#"
}

func truncateHeard(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) > MaxHeardLength {
		return string(r[:MaxHeardLength])
	}
	return s
}
