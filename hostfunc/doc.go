// Package hostfunc provides the host side of the side channel: the
// operations a child runtime can invoke and the bounded state it shares
// with the host.
//
// # Registry
//
// The [Registry] is an explicit name-to-handler table. Handlers are
// registered when the bridge is built; the child sends a name plus
// arguments and the host looks up and invokes the matching [Func]. Use
// [Typed] to write handlers against a request struct instead of a raw
// argument map:
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("greet", hostfunc.Typed(func(ctx context.Context, req GreetRequest) (any, error) {
//	    return "hello " + req.Name, nil
//	}))
//
// # State
//
// [State] is a fixed-capacity mailbox, not a cache. Once it holds its
// maximum number of keys, inserting a new key fails with
// [ErrCapacityExceeded] and nothing is evicted:
//
//	state := hostfunc.NewState(hostfunc.WithMaxEntries(500))
//	registry.Register("state_put", hostfunc.Typed(state.PutFunc))
//
// # Errors on the wire
//
// Handler errors cross the process boundary as a message plus a code
// ([CodeOf]); the child rebuilds a matching error with [FromCode].
//
// # HTTP
//
// [HTTP] is an optional host-exposed operation limited to an allow-list of
// hosts with URL length and body size limits.
package hostfunc
