package store

import "github.com/google/uuid"

// newID mints the identifier PublishCommand/EnqueueCommand return. The
// teacher gets this for free from Mongo's ObjectID; buntdb has no native
// document id, so the gateway mints one the same way a node would mint a
// request id elsewhere in the ecosystem.
func newID() string { return uuid.NewString() }
