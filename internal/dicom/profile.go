package dicom

// Action is what the anonymize flow does with one attribute.
type Action int

const (
	// ActionKeep passes the attribute through untouched.
	ActionKeep Action = iota
	// ActionRemove drops the attribute entirely.
	ActionRemove
	// ActionZero keeps the header and empties the value.
	ActionZero
	// ActionReplaceUID swaps the value for a fresh UID, consistently
	// within one stream.
	ActionReplaceUID
)

// Profile is an attribute action table. The standard's multi-option actions
// (CLEAN, DUMMY, REMOVE_OR_ZERO) are collapsed onto the stricter ZERO; this
// limitation is deliberate and pinned by tests.
type Profile struct {
	Name        string
	Description string
	actions     map[Tag]Action
	// RemovePrivate drops attributes in odd (private) groups.
	RemovePrivate bool
}

// Action resolves the action for a tag.
func (p *Profile) Action(tag Tag) Action {
	if p.RemovePrivate && tag.Group()%2 == 1 {
		return ActionRemove
	}
	if a, ok := p.actions[tag]; ok {
		return a
	}
	return ActionKeep
}

// BasicProfile returns the de-identification table applied on anonymized
// send. Identity attributes governed by the anonymization key (patient name
// and id, the instance UID hierarchy) are handled by the flow itself and are
// not listed here.
func BasicProfile() *Profile {
	return &Profile{
		Name:          "basic",
		Description:   "Basic Application Level Confidentiality Profile",
		RemovePrivate: true,
		actions: map[Tag]Action{
			TagAccessionNumber:       ActionZero,
			TagInstitutionName:       ActionRemove,
			TagInstitutionAddress:    ActionRemove,
			TagReferringPhysician:    ActionZero,
			TagStationName:           ActionRemove,
			TagStudyDescription:      ActionZero,
			TagSeriesDescription:     ActionZero,
			TagInstitutionalDeptName: ActionRemove,
			TagPhysiciansOfRecord:    ActionRemove,
			TagPerformingPhysician:   ActionRemove,
			TagOperatorsName:         ActionRemove,
			TagInstanceCreatorUID:    ActionReplaceUID,

			TagPatientBirthDate:  ActionZero,
			TagOtherPatientIDs:   ActionRemove,
			TagOtherPatientNames: ActionRemove,
			TagPatientAge:        ActionRemove,
			TagPatientSize:       ActionZero,
			TagPatientWeight:     ActionZero,
			TagPatientAddress:    ActionRemove,
			TagPatientComments:   ActionRemove,

			TagDeviceSerialNumber: ActionRemove,
			TagProtocolName:       ActionZero,

			TagStudyID:             ActionZero,
			TagFrameOfReferenceUID: ActionReplaceUID,
			TagImageComments:       ActionRemove,
		},
	}
}

// ProfileByName resolves a configured profile name. An empty name means the
// basic profile; an unknown name returns nil so a config typo fails startup
// instead of silently de-identifying with the wrong table.
func ProfileByName(name string) *Profile {
	switch name {
	case "", "basic":
		return BasicProfile()
	default:
		return nil
	}
}
