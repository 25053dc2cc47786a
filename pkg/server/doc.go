// Package server hosts the WebSocket transport: it upgrades incoming HTTP
// connections on the live.v1 subprotocol, tracks them in a
// ConnectionRegistry, and pumps decoded envelopes through a
// pkg/dispatch.Dispatcher.
//
// # Architecture
//
//   - Connection: one upgraded socket, its principal, and a bounded
//     outbound send queue
//   - ConnectionRegistry: tracks every live Connection, runs the heartbeat
//     sweep, and fans out teardown to the event bus and upload assembler
//   - Server: owns the HTTP listener, the chi router mounting /ws plus
//     /healthz and /metrics, and graceful shutdown
//
// # Connection Lifecycle
//
// Upgrade -> register -> read pump decodes one protocol.Envelope per frame
// and hands each Update to the Dispatcher -> write pump drains the send
// queue -> heartbeat pings every HeartbeatInterval, closing the connection
// after three missed pongs -> on close, the registry unsubscribes the
// connection from every instance and aborts its in-flight uploads.
//
// # Example Usage
//
//	srv := server.New(server.DefaultConfig(), dispatcher, manager, bus, assembler, nil)
//	log.Fatal(srv.Run(context.Background()))
package server
