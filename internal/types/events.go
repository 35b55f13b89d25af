package types

// TabEventKind identifies a host-level tab lifecycle event.
type TabEventKind string

const (
	TabNavigated TabEventKind = "navigated"
	TabClosed    TabEventKind = "closed"
	TabDetached  TabEventKind = "detached"
)

// TabEvent is emitted by the debugging host for tab lifecycle changes.
type TabEvent struct {
	Kind   TabEventKind
	TabID  TabID
	URL    string // set for TabNavigated
	Reason string // set for TabDetached
}
