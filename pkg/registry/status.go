package registry

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of an intent.
type Status uint64

const (
	StatusCreated Status = iota
	StatusActive
	StatusExecuting
	StatusSuccess
	StatusFailed
	StatusWithdrawn
)

var statusNames = map[Status]string{
	StatusCreated:   "CREATED",
	StatusActive:    "ACTIVE",
	StatusExecuting: "EXECUTING",
	StatusSuccess:   "SUCCESS",
	StatusFailed:    "FAILED",
	StatusWithdrawn: "WITHDRAWN",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(%d)", uint64(s))
}

// ParseStatus resolves a status from its name.
func ParseStatus(name string) (Status, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for s, n := range statusNames {
		if n == upper {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status: %s", name)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Terminal reports whether execution has finished, successfully or not.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Transition is an edge of the lifecycle.
type Transition struct {
	From Status
	To   Status
}

func (t Transition) String() string {
	return t.From.String() + "->" + t.To.String()
}

func (t Transition) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Transition) UnmarshalText(text []byte) error {
	from, to, ok := strings.Cut(string(text), "->")
	if !ok {
		return fmt.Errorf("invalid transition: %s", text)
	}
	f, err := ParseStatus(from)
	if err != nil {
		return err
	}
	s, err := ParseStatus(to)
	if err != nil {
		return err
	}
	*t = Transition{From: f, To: s}
	return nil
}

// Lifecycle edges. Created->Active is taken by registration and the
// Withdrawn edges only by withdrawal, never by a status update.
var (
	TransitionActivate = Transition{StatusCreated, StatusActive}
	TransitionStart    = Transition{StatusActive, StatusExecuting}
	TransitionSucceed  = Transition{StatusExecuting, StatusSuccess}
	TransitionFail     = Transition{StatusExecuting, StatusFailed}
	TransitionCancel   = Transition{StatusActive, StatusFailed}
	TransitionRedeemOK = Transition{StatusSuccess, StatusWithdrawn}
	TransitionRedeemKO = Transition{StatusFailed, StatusWithdrawn}
)

var lifecycle = map[Transition]bool{
	TransitionActivate: true,
	TransitionStart:    true,
	TransitionSucceed:  true,
	TransitionFail:     true,
	TransitionCancel:   true,
	TransitionRedeemOK: true,
	TransitionRedeemKO: true,
}

// ValidTransition reports whether the lifecycle has an edge from -> to.
func ValidTransition(from, to Status) bool {
	return lifecycle[Transition{from, to}]
}

func updatable(t Transition) bool {
	return lifecycle[t] && t != TransitionActivate && t.To != StatusWithdrawn
}

// Role is a relationship between a caller and an intent.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleKeeper   Role = "keeper"
	RoleExecutor Role = "executor"
)

// Authority lists, per transition, the roles allowed to request it through UpdateIntentStatus.
type Authority map[Transition][]Role

// DefaultAuthority lets the owner, the keeper and the executor mark an intent
// as executing. Only the executor may settle it as Success or Failed.
func DefaultAuthority() Authority {
	return Authority{
		TransitionStart:   {RoleOwner, RoleKeeper, RoleExecutor},
		TransitionSucceed: {RoleExecutor},
		TransitionFail:    {RoleExecutor},
	}
}

// Allows reports whether any of roles may request t.
func (a Authority) Allows(t Transition, roles []Role) bool {
	for _, granted := range a[t] {
		for _, r := range roles {
			if granted == r {
				return true
			}
		}
	}
	return false
}
