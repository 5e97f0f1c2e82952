// Package envelope implements the framed wire format spoken by DAQ devices.
//
// # Frames
//
// Every envelope travels as a length-prefixed frame:
//
//	[4-byte big-endian length N][N bytes: session body]
//
// The prefix lets a stream reader find envelope boundaries without relying
// on the peer closing the connection.
//
// # Session body
//
// The session body is protobuf wire format with three fields:
//
//	1: kind        varint  (CONNECT=1, DISCONNECT=2, MESSAGE=3)
//	2: device_name bytes   (UTF-8, non-empty)
//	3: payload     bytes   (wire body, MESSAGE only)
//
// # Wire body
//
// The nested wire body carries the relayed event:
//
//	1: event_name  bytes   (UTF-8, non-empty)
//	2: data        bytes   (google.protobuf.Value)
//
// Data is opaque to the gateway. It is transported as a structpb.Value so
// that any JSON-shaped value (null, bool, number, string, list, object)
// survives the trip unchanged.
//
// # Errors
//
// Encoding failures wrap ErrEncode and decoding failures wrap ErrDecode.
// A decode failure means the stream can no longer be trusted; callers
// treat it as fatal for the connection.
package envelope
