// Package broker pairs anonymous sessions and relays chat traffic between
// partners.
//
// All session, queue and partner state lives in one shared state value
// guarded by the Broker's mutex. The registry, queue, authentication gate,
// matcher and router each hold a reference to that state and assume the
// caller holds the lock. Every mutation is followed by a full rewrite of the
// affected durable projection so a restarted or hibernated broker can
// rebuild itself from the store plus the transport handles that are still
// open.
package broker
