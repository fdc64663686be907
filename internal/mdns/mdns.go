// Package mdns advertises the controller API over mDNS/DNS-SD while the
// controller is joined to a home network.
//
// The advertisement includes:
//   - Service type: _poolheat._tcp
//   - TXT records with firmware version, controller name and active slot
//
// Nothing is advertised in AP mode: phones on the provisioning AP reach the
// portal through captive DNS instead.
package mdns

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type of the controller API.
const ServiceType = "_poolheat._tcp"

// Config holds configuration for mDNS advertisement.
type Config struct {
	// Port is the API port to advertise.
	Port int

	// Name is the instance name. Defaults to the system hostname.
	Name string

	// Version is the running firmware version.
	Version string

	// Slot reports the active partition slot at registration time.
	Slot func() string
}

// Advertiser manages the DNS-SD registration.
type Advertiser struct {
	config Config
	server shutdowner
	mu     sync.Mutex

	// register is zeroconf.Register, replaced in tests.
	register func(instance, service, domain string, port int, text []string) (shutdowner, error)
}

type shutdowner interface {
	Shutdown()
}

// NewAdvertiser creates an advertiser. Nothing is registered until Start.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{
		config: cfg,
		register: func(instance, service, domain string, port int, text []string) (shutdowner, error) {
			return zeroconf.Register(instance, service, domain, port, text, nil)
		},
	}
}

func (a *Advertiser) instanceName() string {
	if a.config.Name != "" {
		return a.config.Name
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "poolheat"
	}
	return hostname
}

// txtRecords builds the TXT strings. Each stays far below the 255 byte limit.
func (a *Advertiser) txtRecords() []string {
	txt := []string{
		fmt.Sprintf("version=%s", a.config.Version),
		fmt.Sprintf("name=%s", a.instanceName()),
	}
	if a.config.Slot != nil {
		txt = append(txt, fmt.Sprintf("slot=%s", a.config.Slot()))
	}
	return txt
}

// Start registers the service. Calling Start while running is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	server, err := a.register(a.instanceName(), ServiceType, "local.", a.config.Port, a.txtRecords())
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	a.server = server
	log.Printf("mdns: advertising %s on port %d", ServiceType, a.config.Port)
	return nil
}

// Stop unregisters the service. Safe to call when not running.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		log.Printf("mdns: advertisement withdrawn")
	}
}

// Sync advertises while connected and withdraws otherwise.
func (a *Advertiser) Sync(connected bool) error {
	if connected {
		return a.Start()
	}
	a.Stop()
	return nil
}

// IsRunning reports whether the service is registered.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// DiscoveredController is a controller found on the local network.
type DiscoveredController struct {
	Name    string
	Host    string
	Port    int
	Version string
	Slot    string
}

// applyTXT fills fields from TXT records.
func (c *DiscoveredController) applyTXT(text []string) {
	for _, txt := range text {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "version":
			c.Version = value
		case "name":
			c.Name = value
		case "slot":
			c.Slot = value
		}
	}
}

// Discover browses for controllers until ctx is done.
func Discover(ctx context.Context) ([]DiscoveredController, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		found []DiscoveredController
		mu    sync.Mutex
		wg    sync.WaitGroup
	)

	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			c := DiscoveredController{
				Name: entry.Instance,
				Port: entry.Port,
			}
			// Prefer IPv4 address
			if len(entry.AddrIPv4) > 0 {
				c.Host = entry.AddrIPv4[0].String()
			} else if len(entry.AddrIPv6) > 0 {
				c.Host = entry.AddrIPv6[0].String()
			}
			c.applyTXT(entry.Text)

			mu.Lock()
			found = append(found, c)
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-ctx.Done()

	// zeroconf closes entries once ctx is done.
	wg.Wait()

	return found, nil
}
