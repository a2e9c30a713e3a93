package editor

// Action names what a confirmation guards.
type Action string

const (
	ActionCancel   Action = "cancel"
	ActionNavigate Action = "navigate"
)

// Choice is the user's answer to a confirmation.
type Choice int

const (
	// ChoiceSave saves the draft, then lets the action proceed.
	ChoiceSave Choice = iota
	// ChoiceDiscard drops the draft, releases the lock and proceeds.
	ChoiceDiscard
	// ChoiceStay keeps editing.
	ChoiceStay
)

// Confirmation is a pending request to leave the editor with unsaved
// changes. Nothing happens until it is passed to Editor.Resolve.
type Confirmation struct {
	Action Action
	// Target is the navigation destination for ActionNavigate.
	Target string
}
