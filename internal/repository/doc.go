// Package repository implements the optimistic synchronization protocol
// between a cache.Cache and a docstore.Store.
//
// Overview
//
// A Repository is the only writer of its cache. Mutators (Add, Update,
// Delete) change the cache synchronously, then write to the store in the
// background and either commit or roll back:
//
//	Idle ──Add/Update/Delete──▶ OptimisticallyApplied ──put/delete ok──▶ Committed
//	                                      │
//	                                      └──put/delete failed──▶ RolledBack
//
// Every mutator returns a *Mutation that resolves to Committed or RolledBack.
//
// Ordering
//
// Writes to the same uid are sequenced: the second write is not sent until
// the first has resolved. When a write fails while a later write on the
// same uid is queued, the cache is left alone and the later write inherits
// the state to restore. Only the last write in a chain ever rolls the cache
// back, so a rollback never resurrects a stale value.
//
// Listening
//
// StartListening installs a single watch subscription. Each snapshot it
// delivers replaces the cache wholesale, so server state always wins once
// it arrives. Deliveries from a cancelled or superseded subscription are
// dropped.
//
// Usage
//
//	recipes := docstore.NewCollection[schema.Recipe](backend, schema.CollectionRecipes)
//	repo := repository.New[schema.Recipe](recipes, repository.Options{Collection: "recipes"})
//	defer repo.Close()
//
//	repo.Initialize(ctx, household.RecipeIDs, "")
//	repo.StartListening(household.RecipeIDs)
//
//	m := repo.Add(schema.Recipe{ID: repo.NewUID(), Name: "Dal"})
//	if outcome, err := m.Wait(ctx); outcome == repository.RolledBack {
//	    log.Printf("add failed: %v", err)
//	}
package repository
