package domain

import (
	"fmt"
	"strings"
)

// =============================================================================
// PARTY - Tagged reference to a marketplace participant or operator
// =============================================================================

type PartyKind string

const (
	PartyWorker   PartyKind = "worker"
	PartyBusiness PartyKind = "business"
	PartyAgency   PartyKind = "agency"

	// Operators act on records but never own money.
	PartyAdmin  PartyKind = "admin"
	PartySystem PartyKind = "system"
)

// Party identifies who owns or acts on a record. Each kind resolves in its
// own directory, IDs are not unique across kinds.
type Party struct {
	Kind PartyKind `json:"kind"`
	ID   string    `json:"id"`
}

func Worker(id string) Party   { return Party{Kind: PartyWorker, ID: id} }
func Business(id string) Party { return Party{Kind: PartyBusiness, ID: id} }
func Agency(id string) Party   { return Party{Kind: PartyAgency, ID: id} }
func Admin(id string) Party    { return Party{Kind: PartyAdmin, ID: id} }

// System is the actor for scheduler and webhook driven transitions.
var System = Party{Kind: PartySystem, ID: "system"}

func (p Party) IsZero() bool { return p.Kind == "" && p.ID == "" }

// IsOperator reports whether p is an admin or the system actor.
func (p Party) IsOperator() bool { return p.Kind == PartyAdmin || p.Kind == PartySystem }

func (p Party) Validate() error {
	switch p.Kind {
	case PartyWorker, PartyBusiness, PartyAgency, PartyAdmin, PartySystem:
	default:
		return NewValidationError("party.kind", fmt.Sprintf("unknown kind %q", p.Kind))
	}
	if strings.TrimSpace(p.ID) == "" {
		return NewValidationError("party.id", "required")
	}
	return nil
}

// String renders "kind:id", the form used in logs and ledger actors.
func (p Party) String() string { return string(p.Kind) + ":" + p.ID }

// ParseParty is the inverse of String.
func ParseParty(s string) (Party, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return Party{}, NewValidationError("party", fmt.Sprintf("%q is not kind:id", s))
	}
	p := Party{Kind: PartyKind(kind), ID: id}
	return p, p.Validate()
}
