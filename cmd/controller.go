package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/poolheat/controller/internal/auth"
	"github.com/poolheat/controller/internal/config"
	"github.com/poolheat/controller/internal/device"
	"github.com/poolheat/controller/internal/gateway"
	"github.com/poolheat/controller/internal/mdns"
	"github.com/poolheat/controller/internal/ota"
	"github.com/poolheat/controller/internal/partition"
	"github.com/poolheat/controller/internal/portal"
	"github.com/poolheat/controller/internal/storage"
	hostTLS "github.com/poolheat/controller/internal/tls"
	"github.com/poolheat/controller/internal/wifi"
)

// probeInterval is how often the probe bus is re-read.
const probeInterval = 30 * time.Second

// controller is one running instance of every component, wired together.
type controller struct {
	cfg *config.Config

	store    *storage.SQLiteStore
	sched    *partition.Scheduler
	boot     partition.BootResult
	auth     *auth.SessionAuth
	relay    *device.Relay
	probes   *device.Inventory
	firmware *ota.Manager
	wifi     *wifi.Manager
	portal   *portal.Server
	gateway  *gateway.Server
	mdns     *mdns.Advertiser
	certInfo *hostTLS.CertInfo

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	mdnsSync chan bool
	reboot   chan string
}

// startController brings the controller up. The boot decision is made and
// persisted before any other component starts, so a crash anywhere later
// counts against the pending slot.
func startController(ctx context.Context, cfg *config.Config, radio wifi.Radio) (c *controller, err error) {
	c = &controller{
		cfg:    cfg,
		reboot: make(chan string, 1),
	}
	defer func() {
		if err != nil {
			c.stop()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return c, fmt.Errorf("failed to create data directory: %w", err)
	}

	c.store, err = storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return c, err
	}

	flash, err := partition.NewFileFlash(filepath.Join(cfg.DataDir, "slots"))
	if err != nil {
		return c, err
	}
	c.sched = partition.NewScheduler(c.store, flash, c, partition.Options{
		MaxBootAttempts:   cfg.MaxBootAttempts,
		GracePeriod:       cfg.HealthGrace(),
		StatusOKThreshold: cfg.HealthStatusOK,
		Events:            c.store,
	})
	c.boot, err = c.sched.Boot(ctx)
	if err != nil {
		return c, fmt.Errorf("boot decision failed: %w", err)
	}
	log.Printf("poolheat: booted slot %s (%s, attempt %d)", c.boot.Active, c.boot.Status, c.boot.BootAttempts)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	if c.sched.StartHealthCheck(runCtx) {
		log.Printf("poolheat: slot %s is on trial", c.boot.Active)
	}

	c.auth = auth.New(auth.Config{
		TokenTTL:      cfg.SessionTTL(),
		MaxFailures:   cfg.LoginMaxFailures,
		FailureWindow: cfg.LoginWindow(),
		Cooldown:      cfg.LoginCooldown(),
		Store:         c.store,
	})

	defaults, err := c.store.GetDeviceConfig()
	if err != nil {
		return c, err
	}
	c.relay, err = device.NewRelay(&device.MemoryDriver{}, device.RelayState(defaults.DefaultRelayState), nil)
	if err != nil {
		return c, err
	}

	c.probes = device.NewInventory(device.DefaultStaticProbes())
	if err := c.probes.Init(runCtx); err != nil {
		log.Printf("poolheat: sensors not ready: %v", err)
	} else {
		c.sched.ReportSubsystem(partition.SubsystemSensors)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.probes.Run(runCtx, probeInterval)
	}()

	pub, err := ota.LoadPublicKey(cfg.FirmwarePublicKey)
	if err != nil {
		return c, err
	}
	c.firmware = ota.NewManager(c.sched, c, ota.Options{
		MaxImageSize: cfg.MaxFirmwareBytes,
		PublicKey:    pub,
		Events:       c.store,
	})
	if pub == nil {
		log.Printf("poolheat: no firmware key configured, uploads are verified by checksum only")
	}

	c.wifi = wifi.NewManager(radio, c.store, wifi.Options{
		Limits: wifi.Limits{
			MaxScanCycles:        cfg.MaxScanCycles,
			MaxConnectAttempts:   cfg.MaxConnectAttempts,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		},
		ScanTimeout:     cfg.ScanTimeout(),
		ConnectTimeout:  cfg.ConnectTimeout(),
		BackoffInitial:  cfg.BackoffInitial(),
		BackoffMax:      cfg.BackoffMax(),
		APRetryInterval: cfg.APRetryInterval(),
		APSSID:          cfg.APSSID,
		APPassword:      cfg.APPassword,
		APIP:            cfg.APIP,
	})
	c.portal = portal.New(c.wifi, portal.Config{
		Addr:    cfg.PortalAddr,
		DNSAddr: cfg.PortalDNSAddr,
		APIP:    cfg.APIP,
	})
	c.wifi.SetPortal(c.portal)

	gwCfg := gateway.Config{
		Addr:           cfg.Addr,
		MaxConnections: cfg.MaxConnections,
		Version:        Version,
	}
	if cfg.TLS {
		c.certInfo, err = hostTLS.EnsureCertificate(hostTLS.CertConfig{
			CertPath: cfg.TLSCert,
			KeyPath:  cfg.TLSKey,
			Hosts:    certHosts(cfg.APIP),
		})
		if err != nil {
			return c, err
		}
		gwCfg.TLSCert = c.certInfo.CertPath
		gwCfg.TLSKey = c.certInfo.KeyPath
		log.Printf("poolheat: TLS certificate fingerprint %s", c.certInfo.Fingerprint)
	}
	c.gateway = gateway.New(gwCfg, gateway.Deps{
		Auth:       c.auth,
		Wifi:       c.wifi,
		Relay:      c.relay,
		Probes:     c.probes,
		Firmware:   c.firmware,
		Partitions: c.sched,
		Store:      c.store,
		Rebooter:   c,
	})
	if err := <-c.gateway.StartAsync(); err != nil {
		return c, err
	}

	c.relay.OnChange(func(st device.RelayStatus) {
		c.gateway.Hub().Broadcast(gateway.MessageRelayChanged, st)
	})

	if cfg.MdnsEnabled {
		c.mdns = mdns.NewAdvertiser(mdns.Config{
			Port:    listenPort(c.gateway.Addr()),
			Version: Version,
			Slot:    func() string { return c.sched.Record().Active.String() },
		})
		c.mdnsSync = make(chan bool, 1)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runMdns(runCtx)
		}()
	}

	c.wifi.OnTransition(c.onTransition)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.wifi.Run(runCtx)
	}()

	return c, nil
}

// Reboot implements partition.Rebooter for the scheduler, the OTA manager
// and the gateway. Only the first request is kept.
func (c *controller) Reboot(reason string) {
	select {
	case c.reboot <- reason:
		log.Printf("poolheat: reboot requested: %s", reason)
	default:
	}
}

// RebootRequested delivers the reason of the first reboot request.
func (c *controller) RebootRequested() <-chan string {
	return c.reboot
}

func (c *controller) onTransition(info wifi.TransitionInfo) {
	switch info.To {
	case wifi.StateConnected, wifi.StateProvisioning:
		// Either a working station link or a reachable portal counts as
		// the network subsystem being up.
		c.sched.ReportSubsystem(partition.SubsystemNetwork)
	}

	switch info.To {
	case wifi.StateConnected:
		c.recordConnectivity("", fmt.Sprintf("joined %s (%s)", info.Status.SSID, info.Status.IP))
	case wifi.StateAPFallback:
		c.recordConnectivity(info.Status.LastError, "access point fallback after "+info.Event)
	}

	c.gateway.Hub().Broadcast(gateway.MessageWifiState, info.Status)

	if c.mdnsSync != nil {
		connected := info.To == wifi.StateConnected
		select {
		case <-c.mdnsSync:
		default:
		}
		c.mdnsSync <- connected
	}
}

// runMdns applies the latest connectivity to the advertisement. Registration
// touches the network, so it stays off the wifi manager's goroutine.
func (c *controller) runMdns(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case connected := <-c.mdnsSync:
			if err := c.mdns.Sync(connected); err != nil {
				log.Printf("poolheat: %v", err)
			}
		}
	}
}

func (c *controller) recordConnectivity(code, msg string) {
	ev := &storage.DeviceEvent{
		ID:      uuid.New().String(),
		Kind:    storage.EventConnectivity,
		Code:    code,
		Message: msg,
		At:      time.Now(),
	}
	if err := c.store.RecordEvent(ev, storage.DefaultMaxEvents); err != nil {
		log.Printf("poolheat: failed to record event: %v", err)
	}
}

// stop tears components down in reverse order. Safe on a partially started
// controller and safe to call twice.
func (c *controller) stop() {
	c.stopOnce.Do(c.shutdown)
}

func (c *controller) shutdown() {
	if c.cancel != nil {
		c.cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.gateway != nil {
		if err := c.gateway.Stop(shutdownCtx); err != nil {
			log.Printf("poolheat: gateway shutdown: %v", err)
		}
	}
	if c.portal != nil {
		if err := c.portal.Stop(shutdownCtx); err != nil {
			log.Printf("poolheat: portal shutdown: %v", err)
		}
	}
	if c.firmware != nil {
		c.firmware.Close()
	}

	c.wg.Wait()

	if c.mdns != nil {
		c.mdns.Stop()
	}
	if c.store != nil {
		c.store.Close()
	}
}

// certHosts are the names the gateway certificate covers.
func certHosts(apIP string) []string {
	hosts := append([]string{}, hostTLS.DefaultHosts...)
	for _, h := range hosts {
		if h == apIP {
			return hosts
		}
	}
	return append(hosts, apIP)
}

func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}
