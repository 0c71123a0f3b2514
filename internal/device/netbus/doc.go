// Package netbus carries the device-control bus over TCP.
//
// Every message is a CBOR map with integer keys, sent as a frame with a
// 4-byte big-endian length prefix. A connection carries one request at a
// time: the client writes a request and waits for the response with the
// same id. Errors travel as a class name (see errs.Kind) plus a message so
// the caller keeps the error taxonomy across the wire.
//
// Client implements device.Client against a remote Server; Server exposes
// any device.Client (typically the simulator) on a listener.
package netbus
