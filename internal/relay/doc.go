// Package relay is the pub/sub side of the gateway.
//
// Every connected device gets one channel named "<prefix>/<device>". The
// channel is registered on CONNECT, each MESSAGE is emitted to it as a JSON
// event, and DISCONNECT unregisters it, closing every subscriber with a
// going-away close frame.
//
// Subscribers attach over websocket at /ws/<channel path>, for example
// /ws/daq/thermo-1 for channel /daq/thermo-1. Each frame a subscriber
// receives is one JSON object:
//
//	{"channel":"/daq/thermo-1","event":"temp","data":21.5,"seq":1,"time":"..."}
//
// Delivery is best effort. A subscriber that cannot keep up is dropped
// rather than slowing the device session that produced the event.
package relay
