// Package mcp implements a Model Context Protocol (MCP) server over HTTP whose notifications
// are pushed to clients as Server-Sent Events.
//
// Sessions are created by the initialize request and live in a storage.SessionStorage, which
// also keeps an append-only event log per session. Every notification is appended to that log
// before it is delivered, so a client that loses its stream reconnects with the Last-Event-ID
// header and receives exactly the events it missed.
//
// The pieces are wired explicitly:
//
//	store := storage.NewMemoryStorage()
//	sessions := mcp.NewSessionManager(store)
//	streams := mcp.NewStreamManager(store)
//	srv := mcp.NewServer(info, sessions, streams, mcp.WithToolServer(tools))
//	go srv.Serve()
//	http.Handle("/mcp", srv.Handler())
//
// Tool implementations report progress and log messages with NotifyProgress and NotifyLog on
// the context they are called with.
package mcp
