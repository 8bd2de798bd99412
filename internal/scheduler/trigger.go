package scheduler

// Trigger requests an immediate polling pass. At most one request is kept
// pending, further signals are coalesced into it.
type Trigger struct {
	ch chan struct{}
}

func NewTrigger() Trigger {
	return Trigger{ch: make(chan struct{}, 1)}
}

// Signal requests a pass without blocking, it returns false when a request was
// already pending.
func (t Trigger) Signal() bool {
	select {
	case t.ch <- struct{}{}:
		return true
	default:
		// already pending, the scheduler will pick it up
		return false
	}
}

// C is drained by the scheduler.
func (t Trigger) C() <-chan struct{} {
	return t.ch
}
