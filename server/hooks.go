package server

// Hooks are optional extension points called on the control goroutine.
// The acceptor runs its own step first and only consults a hook when that
// step decided to continue, so a hook can turn continue into stop but never
// the reverse.
type Hooks struct {
	// OnIdle runs after a poll timeout. Return true to stop.
	OnIdle func(a *Acceptor) (stop bool)
	// OnClientAccepted runs after a connection was handed to a worker.
	// Return true to stop.
	OnClientAccepted func(a *Acceptor) (stop bool)
	// OnShutdown runs once a stop was decided. Return false to veto it and
	// keep serving.
	OnShutdown func(a *Acceptor) (exit bool)
}

// LivenessFunc registers the acceptor as alive with the given status.
type LivenessFunc func(status string)

func (a *Acceptor) registerLiveness(status string) {
	a.counters.LastLiveness = a.clock.Now()
	if a.liveness != nil {
		a.liveness(status)
		return
	}
	a.logger.Trace().Str("status", status).Msg("liveness")
}

// onIdle is the base idle step: liveness registration and the quiescence
// decision, then the hook.
func (a *Acceptor) onIdle() bool {
	a.registerLiveness("Idle")
	a.metrics.IdleWakes.Inc()

	if a.quiescent() {
		a.logger.Info().
			Dur("max_quiescent", a.conf.MaxQuiescent).
			Msg("quiescent with no clients, stopping")
		return true
	}
	if a.hooks.OnIdle != nil {
		return a.hooks.OnIdle(a)
	}
	return false
}

func (a *Acceptor) quiescent() bool {
	if a.conf.MaxQuiescent <= 0 || a.counters.ActiveClients > 0 {
		return false
	}
	return a.clock.Since(a.counters.LastAction) >= a.conf.MaxQuiescent
}

func (a *Acceptor) onClientAccepted() bool {
	a.registerLiveness("Accepted client")
	if a.hooks.OnClientAccepted != nil {
		return a.hooks.OnClientAccepted(a)
	}
	return false
}

func (a *Acceptor) onShutdown() bool {
	if a.hooks.OnShutdown != nil {
		return a.hooks.OnShutdown(a)
	}
	return true
}
