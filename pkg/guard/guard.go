// Package guard decides whether a submission may run. It checks the ban
// ledger, classifies the code, records and enforces block decisions, and
// forwards clean code to the runner.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hanogt/secbot/pkg/model"
	"github.com/hanogt/secbot/pkg/runner"
)

// Outcome is the terminal state of one submission.
type Outcome string

const (
	OutcomeExecuted    Outcome = "executed"
	OutcomeBlocked     Outcome = "blocked"
	OutcomeBanned      Outcome = "banned"
	OutcomeUnavailable Outcome = "unavailable"
)

// LookupFailurePolicy says what to do when ban status is unknown.
type LookupFailurePolicy string

const (
	LookupDeny  LookupFailurePolicy = "deny"
	LookupAllow LookupFailurePolicy = "allow"
)

// Valid reports whether p is a known policy.
func (p LookupFailurePolicy) Valid() bool {
	return p == LookupDeny || p == LookupAllow
}

// User-facing messages. They never name matched patterns.
const (
	MsgBanned      = "Your account has been permanently suspended for submitting malicious code."
	MsgBlocked     = "This code was blocked by the security check and was not executed."
	MsgUnavailable = "The security service is temporarily unavailable. Please try again later."
)

// Submission is one request to run code.
type Submission struct {
	Identity string `json:"identity"`
	Language string `json:"language"`
	Source   string `json:"source"`
}

// Result is the decision for a submission. Execution is set only for
// OutcomeExecuted.
type Result struct {
	Outcome   Outcome
	Message   string
	Verdict   model.Verdict
	Execution *runner.Result
}

// Ledger is the subset of the enforcement ledger the guard uses.
type Ledger interface {
	IsBanned(ctx context.Context, identity string) (model.BanCheck, error)
	Ban(ctx context.Context, identity, reason, offendingCode string) bool
	LogEvent(ctx context.Context, identity string, kind model.EventKind, v model.Verdict, code string)
}

// Scanner classifies code.
type Scanner interface {
	Scan(code string) model.Verdict
}

// Runner executes code.
type Runner interface {
	Execute(ctx context.Context, language, source string) (*runner.Result, error)
}

// Observer receives decision notifications. Metrics implements it.
type Observer interface {
	Observe(Outcome, model.Verdict)
	LookupFailed()
	BanFailed()
	RunnerFailed()
}

// Policy holds the tunable parts of the decision.
type Policy struct {
	LookupFailure LookupFailurePolicy
	BanOnBlock    bool
}

// DefaultPolicy fails closed and bans on every block.
func DefaultPolicy() Policy {
	return Policy{LookupFailure: LookupDeny, BanOnBlock: true}
}

// Guard applies the decision policy.
type Guard struct {
	ledger   Ledger
	scanner  Scanner
	runner   Runner
	policy   Policy
	observer Observer
}

// New creates a guard. observer may be nil.
func New(ledger Ledger, scanner Scanner, r Runner, policy Policy, observer Observer) *Guard {
	if !policy.LookupFailure.Valid() {
		policy.LookupFailure = LookupDeny
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Guard{ledger: ledger, scanner: scanner, runner: r, policy: policy, observer: observer}
}

// ErrInvalidSubmission is returned for submissions that cannot be evaluated.
var ErrInvalidSubmission = errors.New("guard: invalid submission")

// Run evaluates sub and, if it is allowed, executes it. A non-nil error means
// the runner (or the submission itself) failed; the code was not executed
// successfully and no outcome is claimed.
func (g *Guard) Run(ctx context.Context, sub Submission) (*Result, error) {
	if err := model.ValidateIdentity(sub.Identity); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSubmission, err)
	}

	check, err := g.ledger.IsBanned(ctx, sub.Identity)
	switch {
	case err != nil || check.Status == model.BanStatusUnknown:
		g.observer.LookupFailed()
		if g.policy.LookupFailure == LookupDeny {
			slog.Warn("ban status unknown, denying", "identity", sub.Identity, "err", err)
			return g.finish(&Result{Outcome: OutcomeUnavailable, Message: MsgUnavailable}), nil
		}
		slog.Warn("ban status unknown, admitting", "identity", sub.Identity, "err", err)
	case check.Banned():
		msg := MsgBanned
		if check.Reason != "" {
			msg = fmt.Sprintf("%s Reason: %s", MsgBanned, check.Reason)
		}
		return g.finish(&Result{Outcome: OutcomeBanned, Message: msg}), nil
	}

	v := g.scanner.Scan(sub.Source)

	if v.ShouldBlock {
		return g.finish(g.block(ctx, sub, v)), nil
	}

	if v.IsWarning() {
		slog.Info("suspicious code admitted", "identity", sub.Identity, "threats", v.Summary(), "severity", v.Severity)
		g.ledger.LogEvent(ctx, sub.Identity, model.EventWarning, v, sub.Source)
	}

	exec, err := g.runner.Execute(ctx, sub.Language, sub.Source)
	if err != nil {
		g.observer.RunnerFailed()
		return nil, fmt.Errorf("guard: run: %w", err)
	}
	return g.finish(&Result{Outcome: OutcomeExecuted, Verdict: v, Execution: exec}), nil
}

func (g *Guard) block(ctx context.Context, sub Submission, v model.Verdict) *Result {
	slog.Warn("malicious code blocked", "identity", sub.Identity, "threats", v.Summary(), "severity", v.Severity)
	g.ledger.LogEvent(ctx, sub.Identity, model.EventBlock, v, sub.Source)

	if !v.BanWorthy() || !g.policy.BanOnBlock {
		return &Result{Outcome: OutcomeBlocked, Message: MsgBlocked, Verdict: v}
	}
	if !g.ledger.Ban(ctx, sub.Identity, v.Summary(), sub.Source) {
		g.observer.BanFailed()
		return &Result{Outcome: OutcomeBlocked, Message: MsgBlocked, Verdict: v}
	}
	g.ledger.LogEvent(ctx, sub.Identity, model.EventBan, v, sub.Source)
	return &Result{Outcome: OutcomeBanned, Message: MsgBanned, Verdict: v}
}

func (g *Guard) finish(r *Result) *Result {
	g.observer.Observe(r.Outcome, r.Verdict)
	return r
}

// Scan classifies code without touching the ledger or the runner.
func (g *Guard) Scan(code string) model.Verdict {
	return g.scanner.Scan(code)
}

type nopObserver struct{}

func (nopObserver) Observe(Outcome, model.Verdict) {}
func (nopObserver) LookupFailed()                  {}
func (nopObserver) BanFailed()                     {}
func (nopObserver) RunnerFailed()                  {}
