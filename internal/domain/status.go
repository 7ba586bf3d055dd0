package domain

type ContractStatus string

const (
	ContractPending   ContractStatus = "pending"
	ContractActive    ContractStatus = "active"
	ContractCompleted ContractStatus = "completed"
	ContractArchived  ContractStatus = "archived"
	ContractBroken    ContractStatus = "broken"
)

var contractTransitions = map[ContractStatus][]ContractStatus{
	ContractPending: {ContractActive},
	ContractActive:  {ContractCompleted, ContractBroken, ContractArchived},
}

func (s ContractStatus) Valid() bool {
	switch s {
	case ContractPending, ContractActive, ContractCompleted, ContractArchived, ContractBroken:
		return true
	}
	return false
}

// Open reports whether the contract still counts against the one open
// contract per writer and platform rule.
func (s ContractStatus) Open() bool {
	return s == ContractPending || s == ContractActive
}

func (s ContractStatus) Terminal() bool {
	return s == ContractCompleted || s == ContractArchived || s == ContractBroken
}

func (s ContractStatus) CanTransition(to ContractStatus) bool {
	for _, next := range contractTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// EnsureContractTransition returns a StateError when from -> to is not in
// the transition table.
func EnsureContractTransition(id string, from, to ContractStatus, op string) error {
	if from.CanTransition(to) {
		return nil
	}
	return StateError{Entity: "contract", ID: id, Status: string(from), Op: op}
}

type SubmissionStatus string

const (
	SubmissionDraft     SubmissionStatus = "draft"
	SubmissionSubmitted SubmissionStatus = "submitted"
	SubmissionRevised   SubmissionStatus = "revised"
	SubmissionPublished SubmissionStatus = "published"
	SubmissionArchived  SubmissionStatus = "archived"
)

var submissionTransitions = map[SubmissionStatus][]SubmissionStatus{
	SubmissionDraft:     {SubmissionSubmitted},
	SubmissionSubmitted: {SubmissionRevised, SubmissionPublished, SubmissionArchived},
	SubmissionRevised:   {SubmissionRevised, SubmissionPublished, SubmissionArchived},
}

func (s SubmissionStatus) Valid() bool {
	switch s {
	case SubmissionDraft, SubmissionSubmitted, SubmissionRevised, SubmissionPublished, SubmissionArchived:
		return true
	}
	return false
}

// Open reports whether the submission can still be revised, published or archived.
func (s SubmissionStatus) Open() bool {
	return s == SubmissionSubmitted || s == SubmissionRevised
}

func (s SubmissionStatus) Terminal() bool {
	return s == SubmissionPublished || s == SubmissionArchived
}

func (s SubmissionStatus) CanTransition(to SubmissionStatus) bool {
	for _, next := range submissionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func EnsureSubmissionTransition(id string, from, to SubmissionStatus, op string) error {
	if from.CanTransition(to) {
		return nil
	}
	return StateError{Entity: "poem", ID: id, Status: string(from), Op: op}
}

type Action string

const (
	ActionDeadlineChecked     Action = "DeadlineChecked"
	ActionSubmissionAccepted  Action = "SubmissionAccepted"
	ActionRevisionAccepted    Action = "RevisionAccepted"
	ActionPublished           Action = "Published"
	ActionArchived            Action = "Archived"
	ActionContractFinalized   Action = "ContractFinalized"
	ActionContractBroken      Action = "ContractBroken"
	ActionContractDeclared    Action = "ContractDeclared"
	ActionContractActivated   Action = "ContractActivated"
	ActionContractArchived    Action = "ContractArchived"
	ActionRecordingAttached   Action = "RecordingAttached"
	ActionReflectionCompleted Action = "ReflectionCompleted"
	ActionReleaseChecked      Action = "ReleaseChecked"
)

type PatternType string

const (
	PatternRepeatedLateSubmission PatternType = "RepeatedLateSubmission"
	PatternFrequentRevision       PatternType = "FrequentRevision"
	PatternMissedCadence          PatternType = "MissedCadence"
	PatternRepeatedEscalation     PatternType = "RepeatedEscalation"
)

var PatternTypes = []PatternType{
	PatternRepeatedLateSubmission,
	PatternFrequentRevision,
	PatternMissedCadence,
	PatternRepeatedEscalation,
}

func (p PatternType) Valid() bool {
	for _, t := range PatternTypes {
		if t == p {
			return true
		}
	}
	return false
}

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

func (s Severity) String() string { return string(s) }

func (a Action) String() string { return string(a) }

func (s ContractStatus) String() string { return string(s) }

func (s SubmissionStatus) String() string { return string(s) }

func (p PatternType) String() string { return string(p) }

func (p Platform) String() string { return string(p) }
