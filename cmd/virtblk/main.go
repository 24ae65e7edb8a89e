package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-virtblk"
	"github.com/ehrlich-b/go-virtblk/internal/config"
	"github.com/ehrlich-b/go-virtblk/internal/logging"
)

var version = "dev"

func main() {
	var (
		configPath   = flag.String("config", "", "Path to a YAML configuration file")
		sizeStr      = flag.String("size", "", "Size of the simulated disk (e.g., 64M, 1G)")
		image        = flag.String("image", "", "Serve reads from this disk image through io_uring")
		queueSize    = flag.Int("queue-size", 0, "Outstanding device operation limit")
		deviceErrors = flag.String("device-errors", "", "What a failed device read does: halt or report")
		listen       = flag.String("metrics", "", "Serve prometheus metrics on this address")
		reads        = flag.Int("reads", 0, "Issue this many random reads from an in-process client, then exit")
		verbose      = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Invalid config: %v", err)
		}
	}

	// Flags override the file
	if *sizeStr != "" {
		size, err := config.ParseSize(*sizeStr)
		if err != nil {
			log.Fatalf("Invalid size '%s': %v", *sizeStr, err)
		}
		cfg.Device.Size = config.Size(size)
	}
	if *image != "" {
		cfg.Device.Type = virtblk.DeviceTypeFile
		cfg.Device.Path = *image
	}
	if *queueSize != 0 {
		cfg.Driver.QueueSize = *queueSize
	}
	if *deviceErrors != "" {
		cfg.Driver.DeviceErrors = *deviceErrors
	}
	if *listen != "" {
		cfg.Stats.Listen = *listen
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Set up logging
	logger := logging.NewLogger(cfg.LogConfig(os.Stderr))
	logging.SetDefault(logger)

	params := cfg.Params()
	logger.Info("creating driver",
		"device", params.DeviceType,
		"queue_size", params.QueueSize,
		"dma_size", formatSize(int64(params.DMASize)),
		"ring_slots", params.RingSlots)

	driver, err := virtblk.New(params, &virtblk.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to create driver", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		err := driver.Serve(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if cfg.Stats.Listen != "" {
		eg.Go(func() error { return serveStats(ctx, logger, cfg.Stats, driver.Metrics()) })
	}

	info := driver.Info()
	fmt.Printf("Driver ready: %s device, %s, queue size %d\n",
		info.DeviceType, formatSize(info.DeviceSize), info.QueueSize)
	fmt.Printf("Client DMA window: 0x%x (+%s)\n", info.ClientBase, formatSize(int64(info.DMASize)))
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	go dumpStacksOnSignal(logger)

	if *reads > 0 {
		verify := params.DeviceType == virtblk.DeviceTypeMem
		eg.Go(func() error {
			if err := runReads(ctx, logger, driver, *reads, verify); err != nil {
				return fmt.Errorf("read workload: %w", err)
			}
			// Workload finished; stop the rest of the group
			cancel()
			return nil
		})
	} else {
		fmt.Printf("\nPress Ctrl+C to stop...\n")
	}

	exitCode := 0
	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("driver stopped", "error", err)
		exitCode = 1
	}

	cancel()
	snap := driver.MetricsSnapshot()
	if err := driver.Close(); err != nil {
		logger.Error("error closing driver", "error", err)
	}
	logger.Info("driver stopped",
		"completed", snap.Completed,
		"read_bytes", snap.ReadBytes,
		"device_errors", snap.DeviceErrors,
		"avg_latency_us", snap.AvgLatencyNs/1000,
		"p99_latency_us", snap.LatencyP99Ns/1000)

	os.Exit(exitCode)
}

// serveStats serves prometheus metrics until ctx is done
func serveStats(ctx context.Context, logger *logging.Logger, cfg config.StatsConfig, metrics *virtblk.Metrics) error {
	reg := virtblk.NewRegistry(metrics, cfg.Namespace, version)
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Listen, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("prometheus stats listening", "listen", cfg.Listen, "path", cfg.Path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("stats server: %w", err)
	}
	return nil
}

// runReads keeps the driver's queue full with random single-sector reads.
// On the patterned RAM disk every sector is checked.
func runReads(ctx context.Context, logger *logging.Logger, driver *virtblk.Driver, n int, verify bool) error {
	client := driver.Client()
	sectors := driver.Info().DeviceSize / virtblk.SectorSize
	if sectors == 0 {
		return fmt.Errorf("device is empty")
	}
	slots := driver.Info().DMASize / virtblk.SectorSize
	window := driver.QueueSize()
	if window > slots {
		window = slots
	}

	// One DMA slot per outstanding read; the cookie names the slot
	free := make([]uint64, 0, window)
	for i := window - 1; i >= 0; i-- {
		free = append(free, uint64(i))
	}

	start := time.Now()
	issued, completed := 0, 0
	for completed < n {
		for len(free) > 0 && issued < n {
			slot := free[len(free)-1]
			blk := uint64(rand.Int63n(sectors))
			if err := client.Read(blk, slot*virtblk.SectorSize, virtblk.SectorSize, slot); err != nil {
				if errors.Is(err, virtblk.ErrRingFull) {
					break
				}
				return err
			}
			free = free[:len(free)-1]
			issued++
		}

		done, err := client.Reap()
		if err != nil {
			return err
		}
		for _, req := range done {
			completed++
			if req.Status != virtblk.StatusOk {
				return fmt.Errorf("block %d: %s", req.BlockID, req.Status)
			}
			if verify {
				buf, err := client.Buffer(req)
				if err != nil {
					return err
				}
				if got := binary.LittleEndian.Uint64(buf); got != req.BlockID {
					return fmt.Errorf("block %d returned data of sector %d", req.BlockID, got)
				}
			}
			free = append(free, req.Buf.Cookie)
		}
		if len(done) == 0 {
			if err := client.Wait(ctx); err != nil {
				return err
			}
		}
	}

	elapsed := time.Since(start)
	logger.Info("read workload complete",
		"reads", n,
		"elapsed", elapsed.String(),
		"iops", int(float64(n)/elapsed.Seconds()))
	fmt.Printf("%d reads in %s\n", n, elapsed)
	return nil
}

func dumpStacksOnSignal(logger *logging.Logger) {
	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	for range stackDumpCh {
		buf := make([]byte, 1024*1024) // 1MB buffer
		n := runtime.Stack(buf, true)   // true = all goroutines
		fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])

		filename := fmt.Sprintf("virtblk-stacks-%d.txt", time.Now().Unix())
		if f, err := os.Create(filename); err == nil {
			fmt.Fprintf(f, "Goroutine stack dump at %s\n", time.Now().Format(time.RFC3339))
			fmt.Fprintf(f, "Process ID: %d\n\n", os.Getpid())
			f.Write(buf[:n])
			fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
			pprof.Lookup("goroutine").WriteTo(f, 2)
			f.Close()
			logger.Info("stack trace written to file", "file", filename)
		}
	}
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
