// Command gosmi-tool is a small example consumer of pkg/gosmi, the Go
// analogue of original_source/example/rocm_smi_example.cc: it discovers
// devices and prints a handful of attributes for each one.
//
// Flag handling follows the teacher's pkg/collector/cli.go idiom
// (kingpin.New + App.Flag + App.Parse), scaled down to this module's
// scope: a one-shot dump, or a serve-metrics command that serves the
// promexport collector on /metrics over HTTP.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kernel.org/pub/linux/libs/security/libcap/cap"

	"github.com/rocmtools/gosmi/internal/security"
	"github.com/rocmtools/gosmi/pkg/gosmi"
	"github.com/rocmtools/gosmi/pkg/promexport"
)

const appName = "gosmi-tool"

func main() {
	app := kingpin.New(appName, "Inspect AMD GPUs via pkg/gosmi.")

	var (
		sysRoot        string
		procRoot       string
		devRoot        string
		allGPUs        bool
		failFast       bool
		metricsAddr    string
		logLevel       string
		dropPrivileges bool
	)

	app.Flag("sys-root", "Override the sysfs mount point (for testing against a fixture tree).").
		Default("/sys").StringVar(&sysRoot)
	app.Flag("proc-root", "Override the procfs mount point (for testing against a fixture tree).").
		Default("/proc").StringVar(&procRoot)
	app.Flag("dev-root", "Override the device-node mount point the kfd event node is read from (for testing against a fixture tree).").
		Default("/dev").StringVar(&devRoot)
	app.Flag("all-gpus", "Include non-AMD GPUs in discovery.").Default("false").BoolVar(&allGPUs)
	app.Flag("fail-fast-mutex", "Use fail-fast behavior for the per-device mutex instead of blocking.").
		Default("false").BoolVar(&failFast)
	app.Flag("log.level", "Log level: debug, info, warn, error.").Default("info").StringVar(&logLevel)
	app.Flag("drop-privileges", "Narrow process capabilities to CAP_PERFMON after initialization.").
		Default("false").BoolVar(&dropPrivileges)

	dumpCmd := app.Command("dump", "Print a snapshot of every discovered device.").Default()

	serveCmd := app.Command("serve-metrics", "Serve a Prometheus /metrics endpoint until interrupted.")
	serveCmd.Flag("web.listen-address", "Address to listen on.").Default(":9400").StringVar(&metricsAddr)

	cmd, err := app.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(logLevel)}))
	gosmi.SetLogger(logger)
	gosmi.SetSysRoot(sysRoot)
	gosmi.SetProcRoot(procRoot)
	gosmi.SetDevRoot(devRoot)

	var flags gosmi.InitFlags
	if allGPUs {
		flags |= gosmi.AllGPUs
	}

	if failFast {
		flags |= gosmi.FailFastMutex
	}

	if err := gosmi.Init(flags); err != nil {
		logger.Error("failed to initialize", "err", err)
		os.Exit(1)
	}
	defer gosmi.ShutDown() //nolint:errcheck

	if dropPrivileges {
		perfmon, err := cap.FromName("cap_perfmon")
		if err != nil {
			logger.Error("cap_perfmon unknown on this kernel", "err", err)
			os.Exit(1)
		}

		if err := security.DropPrivileges(&security.Config{Caps: []cap.Value{perfmon}}); err != nil {
			logger.Error("failed to drop privileges", "err", err)
			os.Exit(1)
		}
	}

	switch cmd {
	case dumpCmd.FullCommand():
		if err := dump(logger); err != nil {
			logger.Error("dump failed", "err", err)
			os.Exit(1)
		}
	case serveCmd.FullCommand():
		if err := serveMetrics(metricsAddr, logger); err != nil {
			logger.Error("serve failed", "err", err)
			os.Exit(1)
		}
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// dump mirrors original_source/example/rocm_smi_example.cc: discover
// devices, then print identification, clocks, temperature, and fan
// readings for each.
func dump(logger *slog.Logger) error {
	n, err := gosmi.NumMonitorDevices()
	if err != nil {
		return err
	}

	fmt.Printf("discovered %d device(s)\n", n)

	for i := 0; i < n; i++ {
		fmt.Printf("== device %d ==\n", i)

		if id, err := gosmi.DeviceIDGet(i); err == nil {
			fmt.Printf("  device id: 0x%x\n", id)
		}

		if lvl, err := gosmi.PerfLevelGet(i); err == nil {
			fmt.Printf("  perf level: %s\n", lvl)
		}

		if od, err := gosmi.OverdriveLevelGet(i); err == nil {
			fmt.Printf("  overdrive sclk points: %d\n", len(od.SclkCurve))
		}

		if freqs, err := gosmi.ClockFreqGet(i, gosmi.ClockMem); err == nil {
			fmt.Println("  supported mclk frequencies:")

			for _, e := range freqs.Entries {
				marker := ""
				if e.Index == freqs.CurrentIndex {
					marker = " *"
				}

				fmt.Printf("    %d: %d Hz%s\n", e.Index, e.Hz, marker)
			}
		}

		if freqs, err := gosmi.ClockFreqGet(i, gosmi.ClockSys); err == nil {
			fmt.Println("  supported sclk frequencies:")

			for _, e := range freqs.Entries {
				marker := ""
				if e.Index == freqs.CurrentIndex {
					marker = " *"
				}

				fmt.Printf("    %d: %d Hz%s\n", e.Index, e.Hz, marker)
			}
		}

		if temp, err := gosmi.TemperatureGet(i, 0); err == nil {
			fmt.Printf("  temperature: %.1fC\n", float64(temp)/1000)
		} else {
			fmt.Println("  temperature: not available")
		}

		maxRPM, maxErr := gosmi.FanSpeedMaxGet(i, 0)
		rpm, rpmErr := gosmi.FanRPMGet(i, 0)

		if maxErr == nil && rpmErr == nil && maxRPM > 0 {
			fmt.Printf("  fan speed: %.1f%% (%d/%d)\n", float64(rpm)/float64(maxRPM)*100, rpm, maxRPM)
		} else {
			fmt.Println("  fan speed: not available")
		}

		fmt.Println("  =======")
	}

	return nil
}

// serveMetrics registers promexport.Collector on a fresh registry and
// serves it until the process is interrupted. No TLS, auth, or landing
// page: those belong to a full exporter, out of scope here.
func serveMetrics(addr string, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(promexport.New(logger))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	logger.Info("serving metrics", "address", addr)

	return http.ListenAndServe(addr, mux)
}
