package main

// step is one asynchronous action; it calls next exactly once when done.
type step func(next func())

// runSteps chains steps so each starts after the previous one finished,
// then calls finish. Everything runs on the caller's callback goroutine.
func runSteps(steps []step, finish func()) {
	var run func(i int)
	run = func(i int) {
		if i == len(steps) {
			finish()
			return
		}
		steps[i](func() { run(i + 1) })
	}
	run(0)
}
