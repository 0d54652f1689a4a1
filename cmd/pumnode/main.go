// Command pumnode is the milk-metering node firmware: depending on role, it
// runs either the Server pipeline (bus ingest + broker egress + HTTP
// operator surface) or the Client pipeline (RFID scan → measure → send),
// plus the shared OTA receiver on both roles.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asbcorp24/pumnode/pkg/acquire"
	"github.com/asbcorp24/pumnode/pkg/archive"
	"github.com/asbcorp24/pumnode/pkg/archivecache"
	"github.com/asbcorp24/pumnode/pkg/bus"
	"github.com/asbcorp24/pumnode/pkg/client"
	"github.com/asbcorp24/pumnode/pkg/config"
	"github.com/asbcorp24/pumnode/pkg/display"
	"github.com/asbcorp24/pumnode/pkg/httpapi"
	"github.com/asbcorp24/pumnode/pkg/mqttlink"
	"github.com/asbcorp24/pumnode/pkg/node"
	"github.com/asbcorp24/pumnode/pkg/ota"
	"github.com/asbcorp24/pumnode/pkg/rfid"
	"github.com/asbcorp24/pumnode/pkg/server"
)

var (
	roleFlag     = flag.String("role", "", "node role override: client or server (default: read strap GPIO)")
	rolePinPath  = flag.String("role-pin", "/sys/class/gpio/gpio60/value", "strap GPIO value file read at boot when -role is unset")
	serialDevice = flag.String("serial", "/dev/ttyS1", "RS-485 serial device path")
	baudRate     = flag.Int("baud", 115200, "RS-485 baud rate")
	dePinPath    = flag.String("de-pin", "", "transceiver direction-enable GPIO value file (empty: auto-direction transceiver)")

	rfidDevice = flag.String("rfid-serial", "/dev/ttyS2", "animal-ID reader serial device path (client role)")

	storePath  = flag.String("store", "/var/lib/pumnode/archive.bin", "archive backing file path")
	storeBytes = flag.Int("store-bytes", archive.DefaultStoreBytes, "archive backing file size in bytes")

	configPath = flag.String("config", "/etc/pumnode/config.json", "node configuration file path")

	httpAddr  = flag.String("http-addr", ":8080", "HTTP operator surface listen address (server role)")
	redisAddr = flag.String("redis-addr", "", "Redis address for the export-archive cache (empty: no cache)")

	clientID = flag.Uint("client-id", 1, "this node's client_id on the bus")

	stagingPath  = flag.String("staging", "/var/lib/pumnode/ota-staging.bin", "OTA staging file path")
	otaChunkSize = flag.Int("ota-chunk-size", ota.DefaultChunkSize, "OTA chunk payload size in bytes (server role)")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	role := resolveRole()
	log.Printf("pumnode starting, role=%s", role)

	b, err := bus.Open(*serialDevice, *baudRate, resolveDEPin())
	if err != nil {
		log.Fatalf("open bus: %v", err)
	}
	defer b.Close()

	backing, err := openArchiveFile(*storePath)
	if err != nil {
		log.Fatalf("open archive backing: %v", err)
	}
	defer backing.Close()

	halt := func(reason string) {
		log.Fatalf("node: halting: %s", reason)
	}
	arc, err := archive.Open(backing, *storeBytes, halt)
	if err != nil {
		log.Fatalf("open archive: %v", err)
	}

	cfg, err := config.Load(*configPath, config.Values{MQTTPort: 1883, RS485Baud: uint32(*baudRate)})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	nctx := node.New(role, b, arc, cfg, nil, halt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Printf("pumnode shutting down")
		cancel()
	}()

	recv := ota.NewReceiver(func() (ota.Staging, error) {
		return os.OpenFile(*stagingPath, os.O_CREATE|os.O_RDWR, 0o644)
	}, noopBootloader{})

	switch nctx.Role {
	case node.RoleServer:
		runServer(ctx, nctx, recv)
	default:
		runClient(ctx, nctx, recv)
	}

	<-ctx.Done()
}

func resolveRole() node.Role {
	switch *roleFlag {
	case "client":
		r := node.RoleClient
		return node.ResolveRole(node.GPIOFile{Path: *rolePinPath}, &r)
	case "server":
		r := node.RoleServer
		return node.ResolveRole(node.GPIOFile{Path: *rolePinPath}, &r)
	default:
		return node.ResolveRole(node.GPIOFile{Path: *rolePinPath}, nil)
	}
}

func resolveDEPin() bus.GPIO {
	if *dePinPath == "" {
		return nil
	}
	return sysfsGPIO{path: *dePinPath}
}

func runServer(ctx context.Context, nctx *node.Context, recv *ota.Receiver) {
	var pub server.Publisher
	cfgVals := nctx.Config.Get()
	link := mqttlink.New(mqttlink.Options{
		Host:     cfgVals.MQTTHost,
		Port:     cfgVals.MQTTPort,
		ClientID: cfgVals.RS485NodeID,
		User:     cfgVals.MQTTUser,
		Password: cfgVals.MQTTPassword,
	})
	if err := link.Connect(); err != nil {
		log.Printf("server: initial mqtt connect failed, will retry on publish: %v", err)
	}
	pub = link

	cache, err := archivecache.Dial(*redisAddr)
	if err != nil {
		log.Printf("server: export cache unavailable, falling back to direct reads: %v", err)
		cache = nil
	}
	exporter := archivecache.New(nctx.Archive, cache, 5*time.Second)

	otaSender := ota.NewSender(nctx.Bus, *otaChunkSize)
	api := httpapi.New(nctx.Config, exporter, otaSender)
	go func() {
		httpSrv := &httpServer{addr: *httpAddr, handler: api.Handler()}
		if err := httpSrv.ListenAndServe(); err != nil {
			log.Printf("server: http operator surface stopped: %v", err)
		}
	}()

	go server.BusIngest(ctx, nctx.Bus, nctx.Archive, recv)
	go server.BrokerEgress(ctx, nctx.Archive, pub, func() server.LinkState { return server.Online }, server.DefaultMQTTInterval)
}

func runClient(ctx context.Context, nctx *node.Context, recv *ota.Receiver) {
	rfidPort, err := os.OpenFile(*rfidDevice, os.O_RDONLY, 0)
	if err != nil {
		log.Fatalf("client: open rfid serial: %v", err)
	}
	reader := rfid.NewUARTReader(rfidPort, rfid.DefaultMaxLength)

	sensor := acquire.NewPulseCounter(1.0/450.0, nil, 0)

	c := client.New(uint32(*clientID), nctx.Bus, reader, sensor, nctx.Archive, display.LogDisplay{})
	c.BusUp = func() bool { return true }

	go c.Run(ctx)
	go server.BusIngest(ctx, nctx.Bus, nctx.Archive, recv)
}

type noopBootloader struct{}

func (noopBootloader) Commit(image io.ReaderAt, size int64) error {
	return nil
}

func (noopBootloader) Reboot() {
	log.Printf("ota: reboot requested (no-op bootloader)")
}
