package repository

// StartListening replaces any active subscription with a watch on uids.
// Every delivered snapshot overwrites the cache. An empty uid set clears
// the cache without subscribing. A failed watch clears the cache, is
// logged, and ends the subscription until StartListening is called again.
func (r *Repository[E]) StartListening(uids []string) {
	r.listenMu.Lock()
	defer r.listenMu.Unlock()

	gen := r.cancelLocked()

	if len(uids) == 0 {
		r.mu.Lock()
		r.cache.Replace(nil)
		r.mu.Unlock()
		return
	}

	// Watch runs without r.mu so a synchronous first delivery can apply.
	sub, err := r.store.Watch(uids,
		func(entities []E) { r.onSnapshot(gen, entities) },
		func(err error) { r.onError(gen, err) },
	)
	if err != nil {
		r.onError(gen, err)
		return
	}

	r.mu.Lock()
	current := r.gen == gen
	if current {
		r.sub = sub
	}
	r.mu.Unlock()
	if !current {
		// Failed during setup; onError already cleared the cache.
		sub.Cancel()
	}
}

// StopListening cancels the active subscription, if any.
func (r *Repository[E]) StopListening() {
	r.listenMu.Lock()
	defer r.listenMu.Unlock()
	r.cancelLocked()
}

// Listening reports whether a subscription is active.
func (r *Repository[E]) Listening() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sub != nil
}

// cancelLocked retires the current generation and cancels its
// subscription. It returns the new generation. Callers hold r.listenMu.
func (r *Repository[E]) cancelLocked() uint64 {
	r.mu.Lock()
	r.gen++
	gen := r.gen
	old := r.sub
	r.sub = nil
	r.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
	return gen
}

func (r *Repository[E]) onSnapshot(gen uint64, entities []E) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		stats.SnapshotDropped(r.opts.Collection)
		return
	}
	r.cache.Replace(entities)
	stats.SnapshotApplied(r.opts.Collection)
}

func (r *Repository[E]) onError(gen uint64, err error) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		stats.SnapshotDropped(r.opts.Collection)
		return
	}
	r.gen++
	r.sub = nil
	r.cache.Replace(nil)
	r.mu.Unlock()

	stats.ListenerFailed(r.opts.Collection)
	r.logger.Printf("Listener failed, clearing cache: %v", err)
}
