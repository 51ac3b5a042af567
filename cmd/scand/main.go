// Command scand runs the scan daemon: it drives the instrument link (a real
// serial port, or the in-process simulated pipeline in dev mode), assembles
// the outbound pixel stream into frames, persists them, and serves the
// monitoring HTTP API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nanographs/scan-generator/internal/beam"
	"github.com/nanographs/scan-generator/internal/buslink"
	"github.com/nanographs/scan-generator/internal/config"
	"github.com/nanographs/scan-generator/internal/frame"
	"github.com/nanographs/scan-generator/internal/monitor"
	"github.com/nanographs/scan-generator/internal/monitoring"
	"github.com/nanographs/scan-generator/internal/scandb"
	"github.com/nanographs/scan-generator/internal/version"
)

var (
	devMode    = flag.Bool("dev", false, "Run against the simulated instrument instead of a serial port")
	portPath   = flag.String("port", "/dev/ttyACM0", "Serial device of the instrument")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	dbPath     = flag.String("db", "", "Database path (overrides config)")
	configPath = flag.String("config", "", "Path to a scan config JSON file")
	demoScan   = flag.Bool("demo-scan", true, "In dev mode, start one raster scan on startup")
)

// scanCookie numbers scans within this process so frames can be matched to
// the Synchronize command that started them.
var scanCookie uint32

func nextCookie() uint16 {
	// Cookie 0xFFFF would collide with the sync marker; the 14-bit mask
	// keeps us well clear of it.
	return uint16(atomic.AddUint32(&scanCookie, 1)) & beam.CoordMask
}

func loopbackMode(name string) beam.LoopbackMode {
	switch name {
	case "dwell":
		return beam.LoopbackEchoDwell
	case "off":
		return beam.LoopbackOff
	default:
		return beam.LoopbackEchoX
	}
}

// buildScanCommands encodes one full raster scan: a Synchronize barrier, the
// region, enough pixel runs to cover it, and a trailing flush.
func buildScanCommands(cookie, xCount, yCount, dwell uint16) ([]byte, error) {
	cmds := []beam.Command{
		{Type: beam.CmdSynchronize, Cookie: cookie, RasterMode: true},
		{Type: beam.CmdRasterRegion, Region: beam.Region{
			XCount: xCount,
			XStep:  1 << beam.FracBits,
			YCount: yCount,
			YStep:  1 << beam.FracBits,
		}},
	}

	// A single run is capped at 65535 pixels; large regions take several.
	total := int(xCount) * int(yCount)
	for total > 0 {
		run := total
		if run > 0xFFFF {
			run = 0xFFFF
		}
		cmds = append(cmds, beam.Command{Type: beam.CmdRasterPixelRun, RunLength: uint16(run), Dwell: dwell})
		total -= run
	}
	cmds = append(cmds, beam.Command{Type: beam.CmdControl, Instruction: beam.CtrlFlush})

	var out []byte
	for _, c := range cmds {
		b, err := c.Encode()
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s command: %w", c.Type, err)
		}
		out = append(out, b...)
	}
	return out, nil
}

func queryUint16(q url.Values, key string, fallback, max uint16) uint16 {
	v := q.Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil || n == 0 {
		return fallback
	}
	if uint16(n) > max {
		return max
	}
	return uint16(n)
}

func main() {
	flag.Parse()

	log.Printf("scand %s starting", version.String())

	cfg := config.EmptyScanConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadScanConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	listenAddr := cfg.GetListenAddr()
	if *listen != "" {
		listenAddr = *listen
	}
	databasePath := cfg.GetDBPath()
	if *dbPath != "" {
		databasePath = *dbPath
	}

	var port buslink.Port
	mode := "serial"
	if *devMode {
		mode = "sim"
		pipeline, err := beam.New(beam.Config{
			AdcHalfPeriod: cfg.GetAdcHalfPeriod(),
			AdcLatency:    cfg.GetAdcLatency(),
			FIFODepth:     cfg.GetFIFODepth(),
			InFlightLimit: cfg.GetInFlightLimit(),
			Loopback:      loopbackMode(cfg.GetLoopback()),
		})
		if err != nil {
			log.Fatalf("failed to build simulated pipeline: %v", err)
		}
		port = buslink.NewSimPort(pipeline)
	} else {
		var err error
		port, err = buslink.OpenSerial(*portPath, buslink.PortOptions{BaudRate: cfg.GetSerialBaudRate()})
		if err != nil {
			log.Fatalf("failed to open instrument link: %v", err)
		}
	}

	mux := buslink.NewMux(port)
	defer mux.Close()

	db, err := scandb.Open(databasePath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	sessionID, err := db.StartSession(mode, "")
	if err != nil {
		log.Fatalf("failed to start session: %v", err)
	}
	defer func() {
		if err := db.EndSession(sessionID); err != nil {
			log.Printf("failed to end session: %v", err)
		}
	}()

	webServer := monitor.NewWebServer(db)

	builder := frame.NewBuilder(frame.BuilderConfig{
		XCount: cfg.GetXCount(),
		YCount: cfg.GetYCount(),
		OnFrame: func(f *frame.Frame) {
			webServer.OnFrame(f)
			if err := db.RecordFrame(sessionID, f); err != nil {
				monitoring.Logf("failed to record frame %s: %v", f.FrameID, err)
				return
			}
			monitoring.Logf("recorded frame %s (%dx%d, cookie %#04x, partial=%v)",
				f.FrameID, f.XCount, f.YCount, f.Cookie, f.Partial)
		},
	})

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the instrument link
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mux.Monitor(ctx); err != nil && err != context.Canceled {
			log.Printf("failed to monitor instrument link: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	// subscribe to the outbound byte stream and feed the frame builder
	wg.Add(1)
	go func() {
		defer wg.Done()
		id, c := mux.Subscribe()
		defer mux.Unsubscribe(id)
		for {
			select {
			case chunk, ok := <-c:
				if !ok {
					return
				}
				builder.Feed(chunk)
			case <-ctx.Done():
				builder.Flush()
				log.Printf("subscribe routine terminated")
				return
			}
		}
	}()

	startScan := func(xCount, yCount, dwell uint16) (uint16, error) {
		cookie := nextCookie()
		cmds, err := buildScanCommands(cookie, xCount, yCount, dwell)
		if err != nil {
			return 0, err
		}
		builder.SetRegion(int(xCount), int(yCount))
		if err := mux.Send(cmds); err != nil {
			return 0, err
		}
		return cookie, nil
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		httpMux := http.NewServeMux()
		httpMux.Handle("/api/", http.StripPrefix("/api", webServer.ServeMux()))
		httpMux.HandleFunc("/api/scan", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "POST required", http.StatusMethodNotAllowed)
				return
			}
			q := r.URL.Query()
			xCount := queryUint16(q, "x", uint16(cfg.GetXCount()), beam.MaxCount)
			yCount := queryUint16(q, "y", uint16(cfg.GetYCount()), beam.MaxCount)
			dwell := queryUint16(q, "dwell", 2, 0xFFFF)

			cookie, err := startScan(xCount, yCount, dwell)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"cookie":  cookie,
				"x_count": xCount,
				"y_count": yCount,
				"dwell":   dwell,
			})
		})

		server := &http.Server{
			Addr:    listenAddr,
			Handler: httpMux,
		}

		go func() {
			log.Printf("listening on %s", listenAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	if *devMode && *demoScan {
		if _, err := startScan(uint16(cfg.GetXCount()), uint16(cfg.GetYCount()), 2); err != nil {
			log.Printf("failed to start demo scan: %v", err)
		}
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
