// Package ports defines the interfaces that connect the dispatch core to
// infrastructure adapters.
//
// # Port Interfaces
//
//   - [RecordSource]: Yields validated recipient records
//   - [ArtifactGenerator]: Produces the file delivered to a recipient
//   - [ChannelDialer] and [Channel]: The outbound email session
//   - [MessageComposer]: Builds the message for a record and its artifact
//   - [Ledger]: Append-only history of delivery outcomes
//   - [Logger]: Structured logging abstraction
//
// The application layer (internal/app) depends only on these interfaces.
// Adapters (internal/adapters, internal/source, internal/artifact) implement
// them with the file system, SMTP, SQLite and zerolog.
package ports
