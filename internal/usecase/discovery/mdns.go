// Package discovery advertises the relay on the local network via mDNS/DNS-SD
// so tabletop clients can find it without manual address entry.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_vttrelay._tcp"
	mdnsDomain      = "local."
)

// Advertiser announces a relay instance over mDNS. The relay never browses;
// clients resolve the service and dial the advertised port.
type Advertiser struct {
	logger *slog.Logger
}

// NewAdvertiser creates an Advertiser.
func NewAdvertiser(logger *slog.Logger) *Advertiser {
	return &Advertiser{logger: logger}
}

// Advertise registers this relay instance on the local network. It blocks
// until ctx is cancelled. Call it in a goroutine.
func (a *Advertiser) Advertise(ctx context.Context, instance string, port int, metadata map[string]string) error {
	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, buildTXT(metadata), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.logger.Info("mdns advertising", "instance", instance, "port", port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

// buildTXT renders metadata as key=value TXT records in stable order.
func buildTXT(metadata map[string]string) []string {
	txt := make([]string, 0, len(metadata))
	for k, v := range metadata {
		txt = append(txt, k+"="+v)
	}
	sort.Strings(txt)
	return txt
}
