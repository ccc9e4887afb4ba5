package schema

// Entity is implemented by every record the sync layer caches.
type Entity interface {
	// UID returns the store-unique identifier of the record.
	UID() string
}

// Collection names used in the document store.
const (
	CollectionHouseholds = "households"
	CollectionRecipes    = "recipes"
	CollectionFoodItems  = "food_items"
)

// Collections lists every known collection name.
var Collections = []string{CollectionHouseholds, CollectionRecipes, CollectionFoodItems}

// IsCollection reports whether name is a known collection.
func IsCollection(name string) bool {
	for _, c := range Collections {
		if c == name {
			return true
		}
	}
	return false
}

// UIDs returns the uids of the given entities in order.
func UIDs[E Entity](entities []E) []string {
	uids := make([]string, 0, len(entities))
	for _, e := range entities {
		uids = append(uids, e.UID())
	}
	return uids
}

// Find returns the entity with the given uid.
func Find[E Entity](entities []E, uid string) (E, bool) {
	for _, e := range entities {
		if e.UID() == uid {
			return e, true
		}
	}
	var zero E
	return zero, false
}
