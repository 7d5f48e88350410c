package transcript

import (
	"iter"
	"regexp"
	"strings"
)

// Speaker identifies who said a transcript line.
type Speaker string

const (
	SpeakerAgent  Speaker = "agent"
	SpeakerOther  Speaker = "other party"
	SpeakerSystem Speaker = "system"
)

// Line is one parsed utterance.
type Line struct {
	Index   int     `json:"index"`
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// placeholder emitted by the provider's transcriber when it hears noise but no words.
const audioDetected = "audio detected"

var prefixSpeakers = map[string]Speaker{
	"AI":        SpeakerAgent,
	"Assistant": SpeakerAgent,
	"Bot":       SpeakerAgent,
	"User":      SpeakerOther,
	"Customer":  SpeakerOther,
	"System":    SpeakerSystem,
}

// prefixRe matches a speaker tag at the start of the transcript or after whitespace.
var prefixRe = regexp.MustCompile(`(?:^|\s)(AI|Assistant|Bot|User|Customer|System):`)

// Parse splits a flat provider transcript into speaker-attributed lines.
// The returned sequence holds no state between iterations and can be ranged over repeatedly.
func Parse(raw string) iter.Seq[Line] {
	return func(yield func(Line) bool) {
		idx := 0
		emit := func(sp Speaker, text string) bool {
			text = strings.TrimSpace(text)
			if isFiller(text) {
				return true
			}
			ok := yield(Line{Index: idx, Speaker: sp, Text: text})
			idx++
			return ok
		}

		matches := prefixRe.FindAllStringSubmatchIndex(raw, -1)
		// text before the first tag is unattributed; phone transcripts default that to the callee
		cursor := 0
		speaker := SpeakerOther
		for _, m := range matches {
			if !emit(speaker, raw[cursor:m[0]]) {
				return
			}
			speaker = prefixSpeakers[raw[m[2]:m[3]]]
			cursor = m[1]
		}
		emit(speaker, raw[cursor:])
	}
}

// Lines collects Parse into a slice.
func Lines(raw string) []Line {
	var out []Line
	for l := range Parse(raw) {
		out = append(out, l)
	}
	return out
}

// Text joins lines back into "Speaker: text" form, one per line.
func Text(lines []Line) string {
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(string(l.Speaker))
		b.WriteString(": ")
		b.WriteString(l.Text)
	}
	return b.String()
}

func isFiller(text string) bool {
	if text == "" {
		return true
	}
	t := strings.ToLower(strings.TrimRight(text, ".!… "))
	return t == audioDetected
}
