// flatdbctl is a diagnostics binary for the storage engine.
// It opens a store and exposes its Prometheus metrics and a liveness
// endpoint over HTTP; it has no other access to the engine's data.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brl-bcm/flatdb/internal/flatdblog"
	"github.com/brl-bcm/flatdb/internal/flatdbmetrics"
	"github.com/brl-bcm/flatdb/pkg/flatdb"
)

var (
	dbPath      = flag.String("db", "flatdb.dat", "Database file path")
	metricsAddr = flag.String("metrics-addr", ":9090", "Address to serve /metrics and /health on")
	cacheMB     = flag.Int("cache-mb", 64, "Page cache budget in megabytes")
	cpuThreads  = flag.Int("cpu-threads", 0, "CPU worker pool size (0 = GOMAXPROCS)")
	ioThreads   = flag.Int("io-threads", 4, "IO worker pool size")
	keySize     = flag.Int("key-size", 8, "Key width in bytes, 4 or 8")
)

// rawRecord is the diagnostic decoder: it treats a stored payload as an
// opaque blob, since flatdbctl never interprets record contents.
type rawRecord struct {
	key     uint64
	payload []byte
}

func (r rawRecord) Key() uint64    { return r.key }
func (r rawRecord) Encode() []byte { return r.payload }

func decodeRaw(key uint64, payload []byte) (flatdb.Record, error) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return rawRecord{key: key, payload: buf}, nil
}

// watchExternalModifications starts an fsnotify watch on the backing file
// and logs (and counts) any write or rename event the engine itself did not
// produce. The engine only ever mutates this path through pagedFile, so an
// event here means some other process touched the store's file while this
// one held it open.
func watchExternalModifications(path string, m *flatdbmetrics.Metrics, lg *flatdblog.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		lg.Warn("external-modification watch unavailable").Str("err", err.Error()).Send()
		return
	}
	if err := watcher.Add(path); err != nil {
		lg.Warn("failed to watch db file").Str("path", path).Str("err", err.Error()).Send()
		watcher.Close()
		return
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Rename) != 0 {
					m.ExternalModificationsTotal.Inc()
					lg.Warn("external modification of backing file detected").
						Str("path", path).Str("op", ev.Op.String()).Send()
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				lg.Warn("file watcher error").Str("err", werr.Error()).Send()
			}
		}
	}()
}

func main() {
	flag.Parse()

	flatdblog.InitGlobalLogger(flatdblog.Config{Level: "info", Pretty: true})
	lg := flatdblog.GetGlobalLogger()

	lg.Info("starting flatdbctl").Str("db", *dbPath).Int("metrics_port_hint", len(*metricsAddr)).Send()

	engine, err := flatdb.Open(flatdb.Options{
		Path:         *dbPath,
		KeySize:      *keySize,
		CacheMB:      *cacheMB,
		CPUThreads:   *cpuThreads,
		IOThreads:    *ioThreads,
		CreateRecord: decodeRaw,
	})
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer engine.Close()

	watchExternalModifications(*dbPath, engine.Metrics(), lg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(engine.Metrics().Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","records":%d,"largest_key":%d,"newly_created":%t}`,
			engine.RecordCount(), engine.LargestKey(), engine.IsNewlyCreated())
	})

	srv := &http.Server{Addr: *metricsAddr, Handler: mux}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		lg.Info("shutting down flatdbctl").Send()
		srv.Close()
	}()

	lg.Info("serving diagnostics").Str("addr", *metricsAddr).Send()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("diagnostics server failed: %v", err)
	}
}
