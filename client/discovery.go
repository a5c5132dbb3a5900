package client

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// GatewayService is the mDNS service type gateways advertise.
const GatewayService = "_glassbridge._tcp"

// DiscoverGateway finds the first gateway advertising GatewayService on the
// local network. TXT records "path=/ws" and "secure=1" fill in the rest of
// the endpoint.
func DiscoverGateway(timeout time.Duration) (Endpoint, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	entriesCh := make(chan *mdns.ServiceEntry, 4)

	// Start discovery in background
	go func() {
		defer close(entriesCh)
		if err := mdns.Lookup(GatewayService, entriesCh); err != nil {
			slog.Warn("mDNS lookup failed", "service", GatewayService, "error", err)
		}
	}()

	select {
	case entry := <-entriesCh:
		if entry == nil {
			return Endpoint{}, fmt.Errorf("no %s service found", GatewayService)
		}
		ep, err := endpointFromEntry(entry)
		if err != nil {
			return Endpoint{}, err
		}
		slog.Info("Discovered gateway",
			"service_name", entry.Name,
			"address", ep.Host,
			"port", ep.Port,
			"path", ep.Path,
		)
		return ep, nil

	case <-time.After(timeout):
		return Endpoint{}, fmt.Errorf("mDNS discovery timeout for %s", GatewayService)
	}
}

func endpointFromEntry(entry *mdns.ServiceEntry) (Endpoint, error) {
	var ep Endpoint
	switch {
	case entry.AddrV4 != nil:
		ep.Host = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		ep.Host = entry.AddrV6.String()
	default:
		return Endpoint{}, fmt.Errorf("no valid address found for service %s", entry.Name)
	}
	ep.Port = entry.Port
	applyTXT(&ep, entry.InfoFields)
	return ep, nil
}

func applyTXT(ep *Endpoint, fields []string) {
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "path":
			ep.Path = value
		case "secure":
			ep.Secure = value == "1" || value == "true"
		}
	}
}
