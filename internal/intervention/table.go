package intervention

// #region table

// transitions is the escalation state machine: current level × trigger →
// next level. A pair missing from the table leaves the level unchanged, so
// visit triggers never lower a level and plain cooldown never lifts
// Restrict or Block.
var transitions = map[Level]map[Trigger]Level{
	None: {
		FirstVisit:        Warning,
		RepeatVisit:       Throttle,
		PersistentVisit:   Supervise,
		ChronicVisit:      Restrict,
		HighSecurityRate:  Restrict,
		ProjectionFailure: Block,
	},
	Warning: {
		RepeatVisit:       Throttle,
		PersistentVisit:   Supervise,
		ChronicVisit:      Restrict,
		HighSecurityRate:  Restrict,
		ProjectionFailure: Block,
		Cooldown:          None,
		CooldownReviewed:  None,
	},
	Throttle: {
		PersistentVisit:   Supervise,
		ChronicVisit:      Restrict,
		HighSecurityRate:  Restrict,
		ProjectionFailure: Block,
		Cooldown:          None,
		CooldownReviewed:  None,
	},
	Supervise: {
		ChronicVisit:      Restrict,
		HighSecurityRate:  Restrict,
		ProjectionFailure: Block,
		Cooldown:          None,
		CooldownReviewed:  None,
	},
	Restrict: {
		ProjectionFailure: Block,
		CooldownReviewed:  None,
	},
	Block: {
		CooldownReviewed: None,
	},
}

// Next returns the level reached from l on trigger t.
func Next(l Level, t Trigger) Level {
	if next, ok := transitions[l][t]; ok {
		return next
	}
	return l
}

// #endregion table
