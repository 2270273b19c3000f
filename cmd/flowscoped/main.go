// Command flowscoped is the process entry point: parse flags, load
// configuration and subscriptions, open a capture source, and run one
// pipeline worker per configured core until shutdown (SPEC_FULL.md §6).
package main

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/c9s/goprocinfo/linux"

	"github.com/untangle/flowscope/internal/capture"
	"github.com/untangle/flowscope/internal/config"
	"github.com/untangle/flowscope/internal/logger"
	"github.com/untangle/flowscope/internal/parser"
	"github.com/untangle/flowscope/internal/pipeline"
	"github.com/untangle/flowscope/internal/stats"
	"github.com/untangle/flowscope/internal/subscription"
	"github.com/untangle/flowscope/internal/track"
)

var cpuProfileTarget string

func main() {
	cfg, subsPath, geodbPath, coresOverride := parseArguments()

	logger.Info("flowscope starting\n")

	registry := parser.NewRegistry()
	registry.Register("tls", parser.NewTLSParser)
	registry.Register("http", parser.NewHTTPParser)
	registry.Register("dns", parser.NewDNSParser)
	registry.Register("quic", parser.NewQUICParser)
	registry.Register("ssh", parser.NewSSHParser)

	entries, err := subscription.LoadSpecFile(subsPath)
	if err != nil {
		logger.Err("loading subscriptions: %s\n", err.Error())
		os.Exit(1)
	}
	subs, err := subscription.Compile(entries, builtinCallbacks())
	if err != nil {
		logger.Err("compiling subscriptions: %s\n", err.Error())
		os.Exit(1)
	}
	logger.Info("loaded %d subscriptions from %s\n", len(subs), subsPath)

	var geo track.GeoLookup
	if geodbPath != "" {
		lookup, err := track.OpenMaxMindLookup(geodbPath)
		if err != nil {
			logger.Warn("opening geoip database %s: %s\n", geodbPath, err.Error())
		} else {
			geo = lookup
			defer lookup.Close()
		}
	}

	cores := coresOverride
	if cores <= 0 {
		cores = cfg.Online.Cores
	}
	if cores <= 0 {
		cores = getConcurrencyFactor()
	}

	var src capture.Source
	if cfg.Offline.PcapPath != "" {
		src, err = capture.NewOfflineSource(cfg.Offline.PcapPath)
	} else {
		src, err = capture.NewOnlineSource(capture.OnlineConfig{
			Interface:   cfg.Online.Interface,
			BPFFilter:   cfg.Online.BPF,
			SnapLen:     int(cfg.Online.SnapLen),
			Promiscuous: cfg.Online.Promiscuous,
			Timeout:     time.Duration(cfg.Online.TimeoutMs) * time.Millisecond,
		})
	}
	if err != nil {
		logger.Err("opening capture source: %s\n", err.Error())
		os.Exit(1)
	}
	_, offline := src.(*capture.OfflineSource)
	if offline {
		// A pcap replay is a single packet stream; there is nothing to fan
		// out across cores, so run it on one worker.
		cores = 1
	}

	registryStats := stats.NewRegistry(cores)
	dispatcher := subscription.NewDispatcher(subs, cfg.Dispatch.ChannelCapacity)

	workers := make([]*pipeline.Worker, cores)
	for i := 0; i < cores; i++ {
		workers[i] = pipeline.NewWorker(i, cfg, registry, subs, dispatcher, registryStats.Core(i), geo)
	}

	logger.Info("running %d pipeline workers\n", cores)
	if cpuProfileTarget != "" {
		startCPUProfiling()
	}

	shutdown := handleSignals()

	done := make(chan struct{})
	if offline {
		go func() {
			runWorkersOffline(workers, src)
			close(done)
		}()
	} else {
		fanOutOnline(workers, src, cores)
	}

loop:
	for {
		select {
		case <-shutdown:
			logger.Info("shutdown signal received\n")
			break loop
		case <-done:
			logger.Info("offline capture drained\n")
			break loop
		case <-time.After(1 * time.Hour):
			printStats(registryStats)
		}
	}

	src.Close()
	for _, w := range workers {
		w.Close()
	}
	dispatcher.Stop()

	if cpuProfileTarget != "" {
		stopCPUProfiling()
	}

	printStats(registryStats)
	logger.Info("flowscope stopped\n")
}

// runWorkersOffline drains an offline source on a single worker: pcap
// replay has one packet stream, so there is nothing to fan out across
// cores.
func runWorkersOffline(workers []*pipeline.Worker, src capture.Source) {
	workers[0].Run(src)
}

// fanOutOnline gives every worker its own view of the shared capture
// channel; gopacket.Packet values are immutable after decode, so concurrent
// readers are safe, and whichever worker receives a given packet owns it
// for the rest of that packet's pipeline pass.
func fanOutOnline(workers []*pipeline.Worker, src capture.Source, cores int) {
	for i := 0; i < cores; i++ {
		go workers[i].Run(src)
	}
}

// builtinCallbacks is the registered callback table subscription specs
// resolve `callback=` symbols against: flowscope ships a fixed binary with
// no dynamic plugin loading, so callbacks are named Go functions logging
// each delivered event at Info level (SPEC_FULL.md §6's "registered
// callback table").
func builtinCallbacks() subscription.Registry {
	return subscription.Registry{
		"LogFrame": {
			OnPacket: func(ev subscription.PacketEvent) {
				logger.Info("frame: conn=%v bytes=%d\n", ev.Tuple, len(ev.Payload))
			},
		},
		"LogSession": {
			OnSession: func(ev subscription.SessionEvent) {
				logger.Info("session: conn=%v kind=%v\n", ev.Tuple, ev.Session.Kind)
			},
		},
		"LogConn": {
			OnConn: func(ev subscription.ConnEvent) {
				logger.Info("conn done: conn=%v sessions=%d\n", ev.Tuple, len(ev.Drained))
			},
		},
	}
}

// parseArguments parses the command line flags (SPEC_FULL.md §6): config
// and subscription spec paths, capture source selection, and worker count.
func parseArguments() (cfg *config.Config, subsPath string, geodbPath string, cores int) {
	configPtr := flag.String("config", "", "path to config file (YAML or JSON)")
	subsPtr := flag.String("subscriptions", "", "path to subscription spec file")
	onlinePtr := flag.String("online", "", "capture live from this interface")
	offlinePtr := flag.String("offline", "", "replay traffic from this pcap file")
	coresPtr := flag.Int("cores", 0, "override the worker-core count (0 = auto-detect)")
	loglevelPtr := flag.String("loglevel", "info", "minimum log level (emerg..trace)")
	cpuProfilePtr := flag.String("cpuprofile", "", "write CPU profile to file")
	geodbPtr := flag.String("geodb", "", "path to a GeoLite2-City .mmdb file (enables the geo tracked-data component)")
	flag.Parse()

	if level, ok := logger.ParseLevel(*loglevelPtr); ok {
		logger.SetDefaultLevel(level)
	} else {
		logger.Warn("unknown loglevel %q, keeping default\n", *loglevelPtr)
	}

	loaded, err := config.Load(*configPtr)
	if err != nil {
		logger.Err("config: %s\n", err.Error())
		os.Exit(1)
	}
	if *onlinePtr != "" {
		loaded.Online.Interface = *onlinePtr
		loaded.Offline.PcapPath = ""
	}
	if *offlinePtr != "" {
		loaded.Offline.PcapPath = *offlinePtr
		loaded.Online.Interface = ""
	}
	if err := loaded.Validate(); err != nil {
		logger.Err("config: %s\n", err.Error())
		os.Exit(1)
	}

	if *subsPtr != "" {
		loaded.SubscriptionFile = *subsPtr
	}
	if loaded.SubscriptionFile == "" {
		logger.Err("no subscription spec file given (-subscriptions, or subscriptions_file in config)\n")
		os.Exit(1)
	}
	if *cpuProfilePtr != "" {
		cpuProfileTarget = *cpuProfilePtr
	}

	return loaded, loaded.SubscriptionFile, *geodbPtr, *coresPtr
}

// handleSignals installs SIGINT/SIGTERM (graceful shutdown) and SIGQUIT
// (thread-stack dump) handlers, the way cmd/packetd's handleSignals does.
func handleSignals() <-chan struct{} {
	shutdown := make(chan struct{})
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-ch
		logger.Warn("received signal [%v], shutting down\n", sig)
		close(shutdown)
	}()

	quitCh := make(chan os.Signal, 1)
	signal.Notify(quitCh, syscall.SIGQUIT)
	go func() {
		for range quitCh {
			dumpStack()
		}
	}()

	return shutdown
}

// dumpStack writes every goroutine's stack to /tmp/flowscoped.stack and logs it.
func dumpStack() {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	if err := os.WriteFile("/tmp/flowscoped.stack", buf[:n], 0644); err != nil {
		logger.Warn("writing stack dump: %s\n", err.Error())
	}
	logger.Warn("thread dump written to /tmp/flowscoped.stack\n")
}

// startCPUProfiling starts runtime/pprof CPU profiling and exposes the
// live profiler over localhost:6060, matching cmd/packetd's behavior.
func startCPUProfiling() {
	f, err := os.Create(cpuProfileTarget)
	if err != nil {
		logger.Err("could not create CPU profile: %s\n", err.Error())
		return
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		logger.Err("could not start CPU profile: %s\n", err.Error())
		return
	}
	logger.Info("pprof listening on localhost:6060\n")
	go func() {
		http.ListenAndServe("localhost:6060", nil)
	}()
}

func stopCPUProfiling() {
	pprof.StopCPUProfile()
}

// getConcurrencyFactor returns the number of CPU cores, or 4 if
// /proc/cpuinfo cannot be read (e.g. non-Linux dev machine).
func getConcurrencyFactor() int {
	cpuinfo, err := linux.ReadCPUInfo("/proc/cpuinfo")
	if err != nil {
		logger.Warn("reading cpuinfo: %s\n", err.Error())
		return 4
	}
	return cpuinfo.NumCore()
}

func printStats(r *stats.Registry) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	logger.Info("memory: alloc=%dkB heapAlloc=%dkB\n", mem.Alloc/1024, mem.HeapAlloc/1024)
	fmt.Fprint(os.Stdout, r.Report())
}
