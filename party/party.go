package party

// Role identifies the kind of caller invoking an operation. Authentication
// happens in the surrounding middleware; the engine only checks
// role-appropriateness.
type Role string

const (
	RoleSeeker       Role = "seeker"
	RoleProfessional Role = "professional"
	RoleAdmin        Role = "admin"
)

// Valid reports whether the role is one the engine understands.
func (r Role) Valid() bool {
	switch r {
	case RoleSeeker, RoleProfessional, RoleAdmin:
		return true
	default:
		return false
	}
}

// Actor is the authenticated caller passed into every mutating operation.
type Actor struct {
	ID   string
	Role Role
}

// Admin reports whether the actor holds admin override authority.
func (a Actor) Admin() bool {
	return a.Role == RoleAdmin
}

// OfferParty attributes job-offer reports and confirmations to one side of
// a session: the candidate (the seeker who may be hired) or the
// professional.
type OfferParty string

const (
	PartyCandidate    OfferParty = "candidate"
	PartyProfessional OfferParty = "professional"
)

// Valid reports whether the offer party is known.
func (p OfferParty) Valid() bool {
	return p == PartyCandidate || p == PartyProfessional
}

// Counterparty returns the opposite side of the session.
func (p OfferParty) Counterparty() OfferParty {
	if p == PartyCandidate {
		return PartyProfessional
	}
	return PartyCandidate
}
