// s7200drv bridges a SCADA host runtime and a population of Siemens
// S7-200 PLCs over the S7 protocol, maintaining one poll session per
// configured IP and republishing values via the Driver Façade.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"s7200drv/config"
	"s7200drv/dispatch"
	"s7200drv/driver"
	"s7200drv/logging"
	"s7200drv/s7"
	"s7200drv/session"
	"s7200drv/sink"
)

var (
	configPath  = flag.String("config", "s7200drv.yaml", "Path to configuration file")
	logDebug    = flag.String("log-debug", "", "Enable debug logging (comma-separated protocols, or 'all')")
	logPath     = flag.String("debug-log", "debug.log", "Path to the debug log file")
	showVersion = flag.Bool("version", false, "Show version and exit")
)

func main() {
	var eventLog *logging.FileLogger
	defer func() {
		// The event log is closed here rather than in its own defer so
		// that a fatal panic is still recorded in it before it closes.
		if r := recover(); r != nil {
			logFatal(eventLog, r)
			if eventLog != nil {
				eventLog.Close()
			}
			panic(r)
		}
		if eventLog != nil {
			eventLog.Close()
		}
	}()

	flag.Parse()

	if *showVersion {
		fmt.Printf("s7200drv %s\n", config.DriverVersion)
		os.Exit(0)
	}

	if *logDebug != "" {
		dbg, err := logging.NewDebugLogger(*logPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to open debug log: %v\n", err)
		} else {
			dbg.SetFilter(*logDebug)
			logging.SetGlobalDebugLogger(dbg)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if cfg.EventPath != "" {
		el, err := logging.NewFileLogger(cfg.EventPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to open event log: %v\n", err)
		} else {
			eventLog = el
		}
	}
	logEvent(eventLog, "s7200drv %s starting, config=%s", config.DriverVersion, *configPath)

	facade := driver.New(cfg, func() session.Transport { return s7.NewTransport() })

	var configured []sink.Sink
	configured = append(configured, sinkOrNil(cfg.MQTT, func(c config.MQTTSink) sink.Sink { return sink.NewMQTTSink(c) })...)
	configured = append(configured, sinkOrNil(cfg.Valkey, func(c config.ValkeySink) sink.Sink { return sink.NewValkeySink(c) })...)
	configured = append(configured, sinkOrNil(cfg.Kafka, func(c config.KafkaSink) sink.Sink { return sink.NewKafkaSink(c) })...)
	sinks := sink.NewFanout(configured...)
	if err := sinks.Start(); err != nil {
		logging.DebugLog("s7200drv", "sink startup error: %v", err)
		logEvent(eventLog, "sink startup error: %v", err)
	}

	facade.Forward = func(item dispatch.Item) {
		sinks.Publish(item)
	}

	facade.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	workTicker := time.NewTicker(time.Second)
	defer workTicker.Stop()

	for {
		select {
		case <-sigChan:
			logEvent(eventLog, "s7200drv stopping on signal")
			facade.Stop()
			sinks.Stop()
			return
		case <-workTicker.C:
			facade.WorkProc()
		}
	}
}

// logEvent records a lifecycle event to the event log, if one is
// configured. A nil eventLog (no EventPath set) is a silent no-op.
func logEvent(eventLog *logging.FileLogger, format string, args ...interface{}) {
	if eventLog != nil {
		eventLog.Log(format, args...)
	}
}

// sinkOrNil builds a sink.Sink for every config entry in cfgs, enabled
// or not; a disabled sink's Start is a no-op.
func sinkOrNil[T any](cfgs []T, build func(T) sink.Sink) []sink.Sink {
	out := make([]sink.Sink, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, build(c))
	}
	return out
}

// logFatal records a panic's stack trace before main re-panics, mirroring
// the source's SIGSEGV handler: log, then let the process die with Go's
// normal fatal crash reporting (§4.2).
func logFatal(eventLog *logging.FileLogger, r interface{}) {
	logging.DebugLog("s7200drv", "fatal: %v\n%s", r, debug.Stack())
	logEvent(eventLog, "fatal: %v\n%s", r, debug.Stack())
	fmt.Fprintf(os.Stderr, "fatal: %v\n%s", r, debug.Stack())
}
