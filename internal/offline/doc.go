// Package offline implements the offline cache policy that sits between
// clients and the app origin. Manager owns the three lifecycle handlers
// (Install, Activate, Fetch) over a generational cache.Storage; Worker is the
// explicit dispatcher that drives Manager through the
// installing → installed → activating → activated lifecycle and routes fetch
// events once activated.
package offline
