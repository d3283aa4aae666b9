package types

// Function is a registered job body together with its dispatch options.
type Function struct {
	Name     string
	Handler  Handler
	Priority Priority
	// SkipIfSiblingRunning ends a run as Skipped when another run sharing
	// the same parent is already in flight on this node.
	SkipIfSiblingRunning bool
	// CronExpression, when set, seeds a CronTicker for this function at startup.
	CronExpression string
	Description    string
}
