// Package core contains the mail sync domain contracts, entities, state
// machines and shared runtime helpers. Stores, providers and transports depend
// on this package; core must not depend on any of them.
package core
