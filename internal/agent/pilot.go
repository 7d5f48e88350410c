package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Pilot runs the per-turn loop for one call: keypad shortcut first, then the
// decider, then exactly one executed effect.
type Pilot struct {
	goal           string
	customerNumber string
	decider        Decider
	effects        Effects
	logger         *logrus.Entry
	decideTimeout  time.Duration

	mu sync.Mutex
	// alternating OTHER/AGENT turns, oldest first
	history []convTurn
}

type convTurn struct {
	Role string // "OTHER" or "AGENT"
	Text string
}

// NewPilot constructs a Pilot. decider may be nil, in which case only keypad
// prompts produce actions and everything else waits.
func NewPilot(goal, customerNumber string, decider Decider, fx Effects, logger *logrus.Entry) *Pilot {
	return &Pilot{
		goal:           goal,
		customerNumber: customerNumber,
		decider:        decider,
		effects:        fx,
		logger:         logger,
		decideTimeout:  20 * time.Second,
	}
}

// Turn decides and executes one action for what was just heard.
func (p *Pilot) Turn(ctx context.Context, heard string) (Decision, Result) {
	heard = strings.TrimSpace(heard)

	d := Detect(heard)
	if d != nil {
		p.logger.WithField("digit", d.Digit).Debug("keypad prompt detected")
	} else {
		d = p.decide(ctx, heard)
	}

	res := Execute(ctx, *d, p.effects, p.customerNumber)
	p.logger.WithFields(logrus.Fields{
		"action":     res.Action,
		"executed":   res.Executed,
		"detail":     res.Detail,
		"confidence": d.Confidence,
	}).Info("turn executed")

	p.appendExchange(heard, describe(*d))
	return *d, res
}

func (p *Pilot) decide(ctx context.Context, heard string) *Decision {
	if p.decider == nil {
		return &Decision{Heard: truncateHeard(heard), Action: ActionWait, Confidence: ConfidenceLow}
	}
	ctxLLM, cancel := context.WithTimeout(ctx, p.decideTimeout)
	defer cancel()
	d, err := p.decider.Decide(ctxLLM, p.buildConversationPrompt(heard))
	if err != nil {
		p.logger.WithError(err).Warn("decider failed, waiting this turn")
		return &Decision{Heard: truncateHeard(heard), Action: ActionWait, Confidence: ConfidenceLow}
	}
	d.Heard = truncateHeard(d.Heard)
	if d.Heard == "" {
		d.Heard = truncateHeard(heard)
	}
	return &d
}

// buildConversationPrompt formats the call goal, all previous turns and the latest
// utterance with [OTHER]/[AGENT] labels; the last line is always [OTHER].
func (p *Pilot) buildConversationPrompt(latest string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var b strings.Builder
	b.WriteString("[GOAL] ")
	b.WriteString(p.goal)
	b.WriteString("\n")
	for _, t := range p.history {
		b.WriteString("[")
		b.WriteString(t.Role)
		b.WriteString("] ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	b.WriteString("[OTHER] ")
	b.WriteString(latest)
	return b.String()
}

func (p *Pilot) appendExchange(heard, action string) {
	p.mu.Lock()
	p.history = append(p.history, convTurn{Role: "OTHER", Text: heard}, convTurn{Role: "AGENT", Text: action})
	p.mu.Unlock()
}

func describe(d Decision) string {
	switch d.Action {
	case ActionDTMF:
		return "(pressed " + d.Digit + ")"
	case ActionSpeak:
		return d.Speech
	case ActionEnd:
		return "(ended call)"
	case ActionTransfer:
		return "(transferred call)"
	}
	return "(waited)"
}
