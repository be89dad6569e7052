// devicecloud-demo connects a demo thing to the cloud, publishes a batch
// of telemetry every few seconds and answers reboot and quit actions
// until interrupted.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wrlabs/devicecloud/config"
	"github.com/wrlabs/devicecloud/status"
	"github.com/wrlabs/devicecloud/thing"
)

var (
	configFlag   = "iot.cfg"
	intervalFlag = 5 * time.Second
	logLevelFlag = "INFO"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.StringVar(&configFlag, "c", configFlag, "configuration file")
	flag.DurationVar(&intervalFlag, "i", intervalFlag, "telemetry interval")
	flag.StringVar(&logLevelFlag, "l", logLevelFlag, "log level")
	flag.Parse()

	cfg := &config.Config{ConfigFile: configFlag, LogLevel: logLevelFlag}
	if err := cfg.Initialize(); err != nil {
		return err
	}

	c, err := thing.New(cfg)
	if err != nil {
		return err
	}

	quit := make(chan struct{})
	err = c.RegisterCallback("quit", func(*thing.Client, map[string]interface{}, interface{}) thing.ActionResult {
		close(quit)
		return thing.ActionResult{Status: status.Success, Message: "shutting down"}
	}, nil)
	if err != nil {
		return err
	}
	err = c.RegisterCallback("reboot", func(_ *thing.Client, params map[string]interface{}, _ interface{}) thing.ActionResult {
		delay, _ := params["delay"].(float64)
		return thing.ActionResult{
			Status:  status.Success,
			Message: fmt.Sprintf("rebooting in %v seconds", delay),
		}
	}, nil)
	if err != nil {
		return err
	}

	if err := c.Connect(30 * time.Second); err != nil {
		return err
	}
	c.PublishAttribute("demo_version", "1.0")
	c.PublishEvent("demo started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	tick := time.NewTicker(intervalFlag)
	defer tick.Stop()
loop:
	for {
		select {
		case <-tick.C:
			c.PublishTelemetry("temperature", 15+rand.Float64()*10)
			c.PublishTelemetry("humidity", 30+rand.Float64()*40)
		case <-sig:
			break loop
		case <-quit:
			break loop
		}
	}

	c.PublishEvent("demo stopping")
	return c.Disconnect(true, 30*time.Second)
}
