package model

// AlarmState is the lifecycle state of an alarm event.
type AlarmState string

const (
	AlarmRaised       AlarmState = "raised"
	AlarmAcknowledged AlarmState = "acknowledged"
	AlarmCleared      AlarmState = "cleared"
)

// Valid reports whether s is a known alarm state.
func (s AlarmState) Valid() bool {
	switch s {
	case AlarmRaised, AlarmAcknowledged, AlarmCleared:
		return true
	}
	return false
}

// CanTransition reports whether an alarm may move from s to next.
// Alarms never return to raised and cleared is terminal.
func (s AlarmState) CanTransition(next AlarmState) bool {
	switch s {
	case AlarmRaised:
		return next == AlarmAcknowledged || next == AlarmCleared
	case AlarmAcknowledged:
		return next == AlarmCleared
	}
	return false
}
