package queue

// wakeup is a coalescing signal. Any number of notify calls before a
// receiver wakes collapse into one wakeup.
type wakeup struct {
	ch chan struct{}
}

func newWakeup() *wakeup {
	return &wakeup{ch: make(chan struct{}, 1)}
}

// notify never blocks.
func (w *wakeup) notify() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

func (w *wakeup) wait() <-chan struct{} {
	return w.ch
}
