// Package storage defines the token persistence boundary used by OAuth
// token storage, together with sentinel errors and tenant context helpers
// shared by the adapters (memory, postgres).
package storage
