// Package registry tracks the live transport connections of every user.
//
// A Handle is created per connection and owned by the Registry; other
// components address users only through the Registry's current connection set
// and never keep handles of their own. Each Register and Unregister emits an
// Event to the subscribed listeners. Events for one user are delivered in the
// order the mutations happened, under that user's lock, so listeners must be
// quick and must not call back into the Registry synchronously.
package registry
