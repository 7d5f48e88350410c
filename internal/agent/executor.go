package agent

import (
	"context"
	"fmt"
	"strings"
)

// Execute performs the one effect a decision asks for. It always returns exactly one
// Result; malformed decisions and failed effects are reported, never raised, so the
// caller's turn loop keeps going.
func Execute(ctx context.Context, d Decision, fx Effects, customerNumber string) Result {
	switch d.Action {
	case ActionDTMF:
		if d.Digit == "" {
			return Result{Action: ActionDTMF, Detail: "missing digit"}
		}
		if !validDigit(d.Digit) {
			return Result{Action: ActionDTMF, Detail: fmt.Sprintf("invalid digit %q", d.Digit)}
		}
		if err := fx.SendDigit(ctx, d.Digit); err != nil {
			return failed(ActionDTMF, "send digit", err)
		}
		return Result{Executed: true, Action: ActionDTMF, Detail: "pressed " + d.Digit}

	case ActionEnd:
		if err := fx.EndCall(ctx); err != nil {
			return failed(ActionEnd, "end call", err)
		}
		return Result{Executed: true, Action: ActionEnd, Detail: "call ended"}

	case ActionTransfer:
		number := strings.TrimSpace(customerNumber)
		if number == "" {
			return Result{Action: ActionTransfer, Detail: "no customer number"}
		}
		if err := fx.Transfer(ctx, number); err != nil {
			return failed(ActionTransfer, "transfer", err)
		}
		return Result{Executed: true, Action: ActionTransfer, Detail: "transferred to " + number}

	case ActionSpeak:
		// the provider's voice layer delivers speech; nothing to do here
		return Result{Action: ActionSpeak, Detail: "speech delegated to voice layer"}

	case ActionWait:
		return Result{Action: ActionWait, Detail: "waiting"}
	}
	return Result{Action: ActionWait, Detail: fmt.Sprintf("unrecognized action %q treated as wait", d.Action)}
}

func failed(a Action, what string, err error) Result {
	return Result{Action: a, Detail: fmt.Sprintf("%s failed: %v", what, err), Err: err}
}

func validDigit(d string) bool {
	return len(d) == 1 && strings.ContainsAny(d, "0123456789*#")
}
