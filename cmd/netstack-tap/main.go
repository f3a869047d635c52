// Command netstack-tap attaches a TAP interface to the netstack core and
// runs until interrupted, the Go analogue of ether_tap's own standalone
// driver harness and grounded on the teacher's cmd/ublk-mem/main.go.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	netstack "github.com/behrlich/go-netstack"
	"github.com/behrlich/go-netstack/drivers/tap"
	"github.com/behrlich/go-netstack/internal/logging"
)

func main() {
	var (
		ifname  = flag.String("tap", "tap0", "name of the TAP interface to open")
		addr    = flag.String("addr", "", "static IPv4 address to assign, e.g. 10.0.0.1")
		netmask = flag.String("netmask", "255.255.255.0", "IPv4 netmask for -addr")
		verbose = flag.Bool("v", false, "verbose (debug-level) logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	stack := netstack.New(&netstack.Config{Logger: logger})

	irq := stack.AllocateIRQ()
	drv := tap.New(*ifname, irq, stack.Fabric, logger)
	if err := drv.Open(); err != nil {
		logger.Error("failed to open tap device", "dev", *ifname, "error", err)
		os.Exit(1)
	}
	defer drv.Close()

	hwaddr, err := drv.HardwareAddr()
	if err != nil {
		logger.Error("failed to read tap hardware address", "dev", *ifname, "error", err)
		os.Exit(1)
	}
	drv.SetHardwareAddr(hwaddr)

	broadcast := netstack.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	dev, err := stack.AddDevice(irq, drv, hwaddr, broadcast)
	if err != nil {
		logger.Error("failed to register tap device", "dev", *ifname, "error", err)
		os.Exit(1)
	}

	if *addr != "" {
		iface, err := parseIPv4Interface(*addr, *netmask)
		if err != nil {
			logger.Error("invalid -addr/-netmask", "error", err)
			os.Exit(1)
		}
		if err := stack.AddInterface(dev, iface); err != nil {
			logger.Error("failed to attach interface", "dev", *ifname, "error", err)
			os.Exit(1)
		}
		logger.Info("interface attached", "dev", *ifname, "addr", *addr, "netmask", *netmask)
	}

	if err := stack.Run(); err != nil {
		logger.Error("failed to start stack", "error", err)
		os.Exit(1)
	}

	fmt.Printf("netstack running on %s (hwaddr %s)\n", *ifname, hwaddr)
	fmt.Printf("Press Ctrl+C to stop...\n")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	stack.Shutdown()
}

func parseIPv4Interface(addr, netmask string) (netstack.IPv4Interface, error) {
	ip := net.ParseIP(addr).To4()
	if ip == nil {
		return netstack.IPv4Interface{}, fmt.Errorf("not an IPv4 address: %q", addr)
	}
	mask := net.ParseIP(netmask).To4()
	if mask == nil {
		return netstack.IPv4Interface{}, fmt.Errorf("not an IPv4 netmask: %q", netmask)
	}

	var iface netstack.IPv4Interface
	copy(iface.Unicast[:], ip)
	copy(iface.Netmask[:], mask)
	for i := range iface.Broadcast {
		iface.Broadcast[i] = iface.Unicast[i] | ^iface.Netmask[i]
	}
	return iface, nil
}
