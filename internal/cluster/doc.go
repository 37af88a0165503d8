// Package cluster defines what processes sharing replicated state agree on:
// who they are and what they say to each other on a channel.
//
// # Overview
//
// Lobby runs many worker processes against one backing store. No process is
// an authority; each keeps local replicas and exchanges mutations as sync
// messages published on per-collection channels. This package holds the two
// pieces of that exchange that every other package needs:
//
//   - Process identity (NewProcessID): a ULID minted at startup
//   - SyncMessage: the broadcast envelope {processId, op, key?, value?}
//
// # Process Identity
//
// Every outgoing sync message is stamped with the identity of the process
// that caused it. On receipt a replicated map or set compares the stamp with
// its own identity and drops the message if they match, because the write
// was already applied locally when it was made. ULIDs are used rather than
// OS process ids so identities stay unique across hosts sharing a store.
//
// # Message Shapes
//
// Map and set messages are built by the client and handed to a store-side
// script, which persists the change and publishes the payload in one step:
//
//	{"processId":"01J...","op":"set","key":"roomname","value":"Foo"}
//	{"processId":"01J...","op":"delete","key":"roomname"}
//	{"processId":"01J...","op":"clear"}
//	{"processId":"01J...","op":"add","key":{"$sym":"owner"}}
//
// Tracking messages are built by the tracking script itself, since only the
// store knows the merged total:
//
//	{"processId":"01J...","op":"s","key":"room1","value":2}
//	{"processId":"01J...","op":"del","key":"room1"}
//	{"processId":"01J...","op":"c"}
//	{"processId":"01J...","op":"exp","value":[["room1",1]]}
//
// Key and Value are kept as raw JSON; each collection decodes them with its
// own key rules and value codec.
//
// # See Also
//
//   - internal/broker: channel subscription and dispatch
//   - internal/collections: replicas that produce and consume these messages
package cluster
