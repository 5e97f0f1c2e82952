// ABOUTME: DeviceHandler maps device lifecycle events onto relay channels.
// ABOUTME: CONNECT registers <prefix>/<device>, MESSAGE emits, DISCONNECT unregisters.

package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/2389/daq-gateway/internal/envelope"
)

// DefaultPrefix is the channel namespace used when none is configured.
const DefaultPrefix = "/daq"

// ChannelID returns the channel for a device: "<prefix>/<deviceName>".
// The prefix is normalized to one leading slash and no trailing slash.
func ChannelID(prefix, deviceName string) string {
	p := strings.TrimRight(prefix, "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p + "/" + deviceName
}

// DeviceHandler relays device events through a Hub.
type DeviceHandler struct {
	Hub    *Hub
	Prefix string
}

// NewDeviceHandler creates a DeviceHandler, defaulting prefix to DefaultPrefix.
func NewDeviceHandler(hub *Hub, prefix string) *DeviceHandler {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &DeviceHandler{Hub: hub, Prefix: prefix}
}

// HandleEvent implements the gateway event handler contract.
func (d *DeviceHandler) HandleEvent(_ context.Context, env envelope.Envelope) error {
	id := ChannelID(d.Prefix, env.DeviceName)

	switch env.Kind {
	case envelope.KindConnect:
		return d.Hub.RegisterChannel(id)
	case envelope.KindMessage:
		if env.Payload == nil {
			return fmt.Errorf("relay %s: message without payload", id)
		}
		return d.Hub.Emit(id, env.Payload.EventName, env.Payload.Data)
	case envelope.KindDisconnect:
		d.Hub.UnregisterChannel(id)
		return nil
	default:
		return fmt.Errorf("relay %s: unsupported kind %s", id, env.Kind)
	}
}
