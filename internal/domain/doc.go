// Package domain holds the value types the rest of the service trades
// in: received and sent emails, their parsed structure, receiving
// domains and addresses, endpoints with their routing configs, and the
// delivery records that account for every dispatch.
//
// Nothing here touches a database, an HTTP request, or another
// internal package. Struct tags, enum constants, and pure validation
// methods are the only behavior that belongs in this package; anything
// that needs a context or an external system lives with its caller.
package domain
