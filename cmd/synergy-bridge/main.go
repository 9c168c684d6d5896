package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hidbridge/synergy-bridge/pkg/bridge"
	"github.com/hidbridge/synergy-bridge/pkg/config"
	"github.com/hidbridge/synergy-bridge/pkg/hidlink"
	"github.com/hidbridge/synergy-bridge/pkg/synergy"
	"github.com/hidbridge/synergy-bridge/pkg/telemetry"
)

// Address of the Synergy server; the bridge runs on the machine the server
// runs on.
const serverAddr = "127.0.0.1:24800"

// Baud rates the serial layer and the firmware agree on.
var supportedBauds = []int{
	57600, 115200, 230400, 460800, 500000, 576000, 921600,
	1000000, 1152000, 2000000, 2500000, 3000000, 3500000, 4000000,
}

var (
	device    string
	baudRate  int
	redisAddr string
	verbose   bool
)

func init() {
	flag.StringVar(&device, "d", "", "serial device path")
	flag.StringVar(&device, "device", "", "serial device path")
	flag.IntVar(&baudRate, "b", 0, "serial baud rate")
	flag.IntVar(&baudRate, "baudrate", 0, "serial baud rate")
	flag.StringVar(&redisAddr, "redis-addr", "", "Redis address for status telemetry (disabled if empty)")
	flag.BoolVar(&verbose, "v", false, "enable verbose output")
	flag.BoolVar(&verbose, "verbose", false, "enable verbose output")
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s -d DEVICE -b BAUDRATE [options]\n\n", os.Args[0])
	fmt.Fprintf(flag.CommandLine.Output(), "Bridges a Synergy server to a serial-attached USB HID device.\n\n")
	flag.PrintDefaults()
}

func baudSupported(baud int) bool {
	for _, b := range supportedBauds {
		if b == baud {
			return true
		}
	}
	return false
}

func main() {
	flag.Usage = usage
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if device == "" || baudRate == 0 {
		usage()
		os.Exit(1)
	}
	if !baudSupported(baudRate) {
		log.Printf("unsupported baud rate %d, supported: %v", baudRate, supportedBauds)
		os.Exit(1)
	}

	log.Printf("Starting Synergy HID bridge")
	log.Printf("Serial device: %s", device)
	log.Printf("Baud rate: %d", baudRate)

	var tel *telemetry.Client
	if redisAddr != "" {
		var err error
		tel, err = telemetry.New(redisAddr)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer tel.Close()
		log.Printf("Telemetry enabled via Redis at %s", redisAddr)
	}

	link, err := hidlink.Open(device, baudRate, config.ScreenW, config.ScreenH, config.SerialTxSize, verbose)
	if err != nil {
		log.Fatalf("Failed to open HID link: %v", err)
	}
	defer link.Close()
	log.Printf("Connected to HID device")

	var sink synergy.EventSink
	if tel != nil {
		sink = tel
	}

	b, err := bridge.Dial(serverAddr, link, sink, verbose)
	if err != nil {
		log.Fatalf("Failed to connect to Synergy server: %v", err)
	}
	defer b.Close()
	log.Printf("Connected to Synergy server at %s", serverAddr)

	stopCh := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		close(stopCh)
	}()

	if err := b.Run(stopCh); err != nil {
		tel.Disconnected(err.Error())
		log.Fatalf("Bridge failed: %v", err)
	}

	tel.Disconnected("shutdown")
	log.Printf("Shutting down...")
}
