package pikamq

import uuid "github.com/satori/go.uuid"

// newUUID returns a fresh random identifier, used for message ids,
// correlation ids and reply queue suffixes.
func newUUID() string {
	return uuid.NewV4().String()
}
