package loan

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"loanflow/apperr"
	"loanflow/auth"
)

var (
	// ErrNotYourBranch signals a branch-scoped actor touching another branch's application.
	ErrNotYourBranch = apperr.Rule("loan: application belongs to another branch")
	// ErrCommentRequired signals a rejection without a reason.
	ErrCommentRequired = apperr.Rule("loan: a comment is required to reject")
	// ErrWrongRole signals the actor's role may not perform the action.
	ErrWrongRole = apperr.Rule("loan: role may not perform this action")
	// ErrInvalidTransition signals the action is not allowed from the current status.
	ErrInvalidTransition = apperr.Rule("loan: action not allowed in current status")
)

// Transition is one row of the pipeline table.
type Transition struct {
	From            Status
	Action          Action
	Role            auth.Role
	BranchScoped    bool
	To              Status
	Release         bool
	CommentRequired bool
	DefaultComment  string
	Title           string
	body            func(a Application, comment string) string
}

// Body renders the customer notification text.
func (t Transition) Body(a Application, comment string) string {
	return t.body(a, comment)
}

// submission describes the entry transition; it has no source status.
var submission = Transition{
	Action:         ActionSubmit,
	Role:           auth.RoleCustomer,
	To:             StatusPendingReview,
	DefaultComment: "Loan application submitted",
	Title:          "Loan Application Submitted",
	body: func(a Application, _ string) string {
		return fmt.Sprintf("Your loan application for Rp %s over %d months has been received and is waiting for review.", rupiah(a.Amount), a.Tenor)
	},
}

// transitions is the whole pipeline. Nothing outside this table is allowed.
var transitions = []Transition{
	{
		From: StatusPendingReview, Action: ActionProceed, Role: auth.RoleMarketing, BranchScoped: true,
		To: StatusWaitingApproval, DefaultComment: "Reviewed by marketing",
		Title: "Loan Application Reviewed",
		body: func(Application, string) string {
			return "Your loan application has been reviewed by marketing and is waiting for branch manager approval."
		},
	},
	{
		From: StatusPendingReview, Action: ActionReject, Role: auth.RoleMarketing, BranchScoped: true,
		To: StatusRejected, Release: true, CommentRequired: true,
		Title: "Loan Application Rejected",
		body: func(_ Application, c string) string {
			return "We are sorry, your loan application was rejected by marketing. Reason: " + c
		},
	},
	{
		From: StatusWaitingApproval, Action: ActionApprove, Role: auth.RoleBranchManager, BranchScoped: true,
		To: StatusWaitingDisbursement, DefaultComment: "Approved by branch manager",
		Title: "Loan Application Approved",
		body: func(Application, string) string {
			return "Congratulations! Your loan application was approved by the branch manager and is waiting for disbursement."
		},
	},
	{
		From: StatusWaitingApproval, Action: ActionReject, Role: auth.RoleBranchManager, BranchScoped: true,
		To: StatusRejected, Release: true, CommentRequired: true,
		Title: "Loan Application Rejected",
		body: func(_ Application, c string) string {
			return "We are sorry, your loan application was rejected by the branch manager. Reason: " + c
		},
	},
	{
		From: StatusWaitingDisbursement, Action: ActionDisburse, Role: auth.RoleBackOffice,
		To: StatusDisbursed, DefaultComment: "Loan disbursed",
		Title: "Loan Disbursed",
		body: func(a Application, _ string) string {
			return fmt.Sprintf("Good news! Your loan of Rp %s has been disbursed to account %s.", rupiah(a.Amount), a.AccountNumber)
		},
	},
	{
		From: StatusWaitingDisbursement, Action: ActionReject, Role: auth.RoleBackOffice,
		To: StatusRejected, Release: true, CommentRequired: true,
		Title: "Loan Disbursement Rejected",
		body: func(_ Application, c string) string {
			return "We are sorry, the disbursement of your loan was rejected by back office. Reason: " + c
		},
	},
}

// Guard decides whether actor may apply action to an application in status
// owned by branchID. It returns the matching table row and the comment to
// record.
func Guard(status Status, branchID string, action Action, actor auth.Actor, comment string) (Transition, string, error) {
	var candidates []Transition
	for _, t := range transitions {
		if t.From == status && t.Action == action {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return Transition{}, "", fmt.Errorf("%w: cannot %s an application in status %s", ErrInvalidTransition, strings.ToLower(string(action)), status)
	}

	var match *Transition
	for i := range candidates {
		if candidates[i].Role == actor.Role {
			match = &candidates[i]
			break
		}
	}
	if match == nil {
		return Transition{}, "", fmt.Errorf("%w: %s cannot %s an application in status %s (requires %s)",
			ErrWrongRole, actor.Role, strings.ToLower(string(action)), status, candidates[0].Role)
	}
	if match.BranchScoped && (actor.BranchID == "" || actor.BranchID != branchID) {
		return Transition{}, "", ErrNotYourBranch
	}

	comment = strings.TrimSpace(comment)
	if comment == "" {
		if match.CommentRequired {
			return Transition{}, "", ErrCommentRequired
		}
		comment = match.DefaultComment
	}
	return *match, comment, nil
}

// Table returns a copy of the pipeline table.
func Table() []Transition {
	out := make([]Transition, len(transitions))
	copy(out, transitions)
	return out
}

// rupiah formats an amount the Indonesian way: dots group thousands and a
// comma introduces sen, which are shown only when present. Amounts are never
// rounded up.
func rupiah(d decimal.Decimal) string {
	amount := d.Abs().Truncate(2)
	whole := amount.Truncate(0)
	digits := whole.String()

	var b strings.Builder
	if d.Sign() < 0 && !amount.IsZero() {
		b.WriteByte('-')
	}
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	if sen := amount.Sub(whole); !sen.IsZero() {
		b.WriteByte(',')
		b.WriteString(sen.StringFixed(2)[2:])
	}
	return b.String()
}
