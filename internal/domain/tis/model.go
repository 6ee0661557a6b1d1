// Package tis holds the upstream TIS entity records consumed by the
// notification pipeline. They are value records carried from queue events
// into the planning rules; none of them has persistent identity here.
package tis

import "time"

// Reference identifies the TIS entity a notification is about.
type Reference struct {
	Type string `json:"type" bson:"type"`
	ID   string `json:"id" bson:"id"`
}

// Reference types.
const (
	RefTypeProgrammeMembership = "PROGRAMME_MEMBERSHIP"
	RefTypePlacement           = "PLACEMENT"
	RefTypeCoj                 = "COJ"
	RefTypeForm                = "FORM"
	RefTypeGmc                 = "GMC"
	RefTypeLtft                = "LTFT"
	RefTypeAccount             = "ACCOUNT"
)

// ProgrammeMembership is a trainee's enrolment in a training programme.
type ProgrammeMembership struct {
	TisID               string               `json:"tisId"`
	PersonID            string               `json:"personId"`
	ProgrammeName       string               `json:"programmeName"`
	ProgrammeNumber     string               `json:"programmeNumber"`
	StartDate           *time.Time           `json:"startDate,omitempty"`
	Owner               string               `json:"managingDeanery"`
	Curricula           []Curriculum         `json:"curricula,omitempty"`
	ConditionsOfJoining *ConditionsOfJoining `json:"conditionsOfJoining,omitempty"`
}

// Curriculum is one curriculum attached to a programme membership.
type Curriculum struct {
	Name      string     `json:"curriculumName"`
	SubType   string     `json:"curriculumSubType"`
	Specialty string     `json:"curriculumSpecialty"`
	StartDate *time.Time `json:"curriculumStartDate,omitempty"`
	EndDate   *time.Time `json:"curriculumEndDate,omitempty"`
}

// ConditionsOfJoining records the signing state of a PM's CoJ form.
type ConditionsOfJoining struct {
	SignedAt *time.Time `json:"signedAt,omitempty"`
	Version  string     `json:"version"`
}

// Placement is a scheduled work assignment.
type Placement struct {
	TisID         string     `json:"tisId"`
	PersonID      string     `json:"personId"`
	StartDate     *time.Time `json:"startDate,omitempty"`
	PlacementType string     `json:"placementType"`
	Site          string     `json:"site"`
	SiteLocation  string     `json:"siteLocation"`
	Specialty     string     `json:"specialty"`
	Owner         string     `json:"owner"`
}

// FormUpdate signals a lifecycle change of a trainee-submitted form.
type FormUpdate struct {
	PersonID       string     `json:"personId"`
	FormName       string     `json:"formName"`
	FormType       string     `json:"formType"`
	LifecycleState string     `json:"lifecycleState"`
	EventDate      *time.Time `json:"eventDate,omitempty"`
}

// GmcUpdate signals a change to a trainee's GMC registration details.
type GmcUpdate struct {
	PersonID         string `json:"personId"`
	GmcNumber        string `json:"gmcNumber"`
	GmcStatus        string `json:"gmcStatus"`
	TisTrigger       string `json:"tisTrigger"`
	TisTriggerDetail string `json:"tisTriggerDetail"`
}

// LtftUpdate signals a status transition of an LTFT application.
type LtftUpdate struct {
	PersonID  string     `json:"personId"`
	FormRef   string     `json:"formRef"`
	FormName  string     `json:"formName"`
	State     string     `json:"state"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// LTFT lifecycle states that produce notifications.
const (
	LtftStateSubmitted   = "SUBMITTED"
	LtftStateApproved    = "APPROVED"
	LtftStateUnsubmitted = "UNSUBMITTED"
	LtftStateWithdrawn   = "WITHDRAWN"
)

// AccountUpdate signals a change to a trainee's contact details.
type AccountUpdate struct {
	PersonID string `json:"personId"`
	Email    string `json:"email"`
}
