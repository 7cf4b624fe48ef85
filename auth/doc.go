// Package auth drives the bootstrap sequence that turns a discovery link into
// a ready application resource.
//
// The sequence is an explicit state machine. Transition maps the current
// Session and one response to the next Session; the Authenticator runs the
// entry action of each state until the machine is Ready or resets. Every 2xx
// body is stored in the cache under cache.MainID, so later states read links
// from the most recent resource.
//
// # States
//
//	Start -> AwaitingAuthorization -> ExchangingToken -> Authenticated
//	      -> ApplicationCreated -> AvailabilitySet -> Ready
//
// A 401 carrying an MsRtcOAuth challenge moves the machine to
// AwaitingAuthorization, where a grant is posted to the challenge href. A 2xx
// response that already links to applications jumps straight to
// Authenticated. 400 and 404 reset the machine, as do more than MaxErrors
// unexpected statuses.
//
// # Grants
//
// Credentials select the grant. A username and password yield the password
// grant and a conference URI the anonymous meeting grant. Without either, or
// once an authorization attempt has failed, the integrated Windows grant is
// used.
//
// Example:
//
//	a := auth.New(ch, store)
//	a.SetCredentials("alice@contoso.com", "secret")
//	err := a.Start(ctx, userLink, app, func(ok bool, resp *channel.Response) {
//	    if ok { /* application is ready */ }
//	})
//	if errors.Is(err, auth.ErrReset) { /* start over */ }
package auth
