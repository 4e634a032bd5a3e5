package orchestrator

// backgroundExecutor runs submitted tasks one at a time, on a single
// goroutine, mirroring spec §5's "a single-threaded background
// executor serving subset/anonymise operations" and guaranteeing
// "subset operations are serialised (one at a time)". Foreground
// queries never go through this type: they run directly on the
// caller's goroutine, since the registry is shared read-only and each
// provider's *sql.DB is already confined to its own connection.
type backgroundExecutor struct {
	tasks chan func()
	done  chan struct{}
}

func newBackgroundExecutor() *backgroundExecutor {
	e := &backgroundExecutor{
		tasks: make(chan func(), 64),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *backgroundExecutor) run() {
	defer close(e.done)
	for fn := range e.tasks {
		fn()
	}
}

// Submit queues fn to run on the background goroutine. Callers that
// need the result should capture it via closure and signal completion
// themselves (e.g. through the broker).
func (e *backgroundExecutor) Submit(fn func()) {
	e.tasks <- fn
}

// Stop closes the task queue and waits for the goroutine to drain, per
// spec §5's "executors may be shut down at process termination;
// pending subscriber queues are drained or discarded". Background
// subset operations run to completion; there is no in-flight
// cancellation, so Stop only waits for what has already been queued.
func (e *backgroundExecutor) Stop() {
	close(e.tasks)
	<-e.done
}
