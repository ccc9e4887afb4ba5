// Package schema defines the collection-typed records that the larder sync
// layer keeps in its local caches.
//
// Every record is a plain value identified by a stable uid. Two records are
// the same entity iff their uids are equal; every other field may differ.
//
// Collections:
//
//	households  → Household   (membership lists of recipes and food items)
//	recipes     → Recipe
//	food_items  → FoodItem
//
// Records are immutable by convention: callers build a new value and hand it
// to a repository mutator instead of editing a cached value in place.
package schema
