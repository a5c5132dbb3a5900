package server

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/mdns"
	"github.com/mbocsi/glassbridge/client"
)

// Advertise announces a gateway under client.GatewayService so that
// client.DiscoverGateway can find it. The TXT record carries the chat path
// and whether TLS is required.
func Advertise(instance string, port int, path string, secure bool) (*mdns.Server, error) {
	txt := []string{"path=" + path}
	if secure {
		txt = append(txt, "secure=1")
	}

	service, err := mdns.NewMDNSService(instance, client.GatewayService, "", "", port, nil, txt)
	if err != nil {
		return nil, fmt.Errorf("failed to describe mDNS service: %w", err)
	}
	zone, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS responder: %w", err)
	}
	slog.Info("Advertising gateway", "service", client.GatewayService, "instance", instance, "port", port, "path", path)
	return zone, nil
}
