// Package client provides the Go SDK for talking to a scribed server over
// HTTP. It is what the CLI uses, and what `client/editor` drives.
//
// # Quick start
//
//	cli, err := client.New("http://127.0.0.1:8740",
//	    client.WithIdentity(client.Identity{UserID: "ann", Roles: []string{"editor"}}),
//	    client.WithTabID("tab-1"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close()
//
//	lock, err := cli.Acquire(ctx, "guide/intro.md")
//	if holder, ok := client.IsLockConflict(err); ok {
//	    log.Printf("%s is editing", holder.Name)
//	}
//
// Identity is sent in the same headers an authenticating reverse proxy would
// set, so the client is meant for trusted networks, tests and operator tools.
// Each browser tab (or editor session) should use its own tab ID; use
// `Client.WithTab` to derive a client per tab.
//
// Non-2xx responses are returned as `*APIError` carrying the decoded
// `api.ErrorResponse`. Lock conflicts include the holder, and save failures
// include the failing step and the step log.
//
// Correlation identifiers placed on the context with `WithCorrelationID` are
// sent as `X-Correlation-Id` and echoed back by the server.
package client
