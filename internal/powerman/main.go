/*
powerman - Battery monitor and power control
Copyright (C) 2026, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package powerman

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	config "github.com/TheCacophonyProject/go-config"
	arg "github.com/alexflint/go-arg"
	"github.com/godbus/dbus"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

var (
	version = "<not set>"
	log     = logrus.New()
)

type Args struct {
	Service        *subcommand `arg:"subcommand:service" help:"Start the power management service."`
	Stand          *subcommand `arg:"subcommand:stand"   help:"Enter stand mode, power is cut after the power save timeout."`
	Flight         *subcommand `arg:"subcommand:flight"  help:"Enable flight power."`
	Status         *subcommand `arg:"subcommand:status"  help:"Print the latest power state."`
	Console        *subcommand `arg:"subcommand:console" help:"Interactive power control console."`
	ConfigDir      string      `arg:"-c,--config" help:"configuration folder"`
	ConfigFile     string      `arg:"--config-file" help:"configuration file, relative to the configuration folder"`
	EnvFile        string      `arg:"--env-file" help:"file with MQTT_USERNAME and MQTT_PASSWORD"`
	LogRateMinutes int         `arg:"--log-rate" help:"Log the power state at info level every this many minutes"`
	Timestamps     bool        `arg:"-t,--timestamps" help:"include timestamps in log output"`
	LogLevel       string      `arg:"-l, --log-level" default:"info" help:"Set the logging level (debug, info, warn, error)"`
}

type subcommand struct {
}

func (Args) Version() string {
	return version
}

var defaultArgs = Args{
	ConfigDir:      config.DefaultConfigDir,
	ConfigFile:     DefaultConfigFile,
	EnvFile:        ".env",
	LogRateMinutes: 5,
}

func procArgs(input []string) (Args, error) {
	args := defaultArgs

	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(version)
		os.Exit(0)
	}
	return args, err
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
		log.Warn("Unknown log level, defaulting to info")
	}
}

// customFormatter defines a new logrus formatter.
type customFormatter struct {
	timestamps bool
}

// Format builds the log message string from the log entry.
func (f *customFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	if f.timestamps {
		return []byte(fmt.Sprintf("%s [%s] %s\n", entry.Time.Format(time.RFC3339), strings.ToUpper(entry.Level.String()), entry.Message)), nil
	}
	return []byte(fmt.Sprintf("[%s] %s\n", strings.ToUpper(entry.Level.String()), entry.Message)), nil
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	log.SetFormatter(&customFormatter{timestamps: args.Timestamps})
	setLogLevel(args.LogLevel)

	switch {
	case args.Service != nil:
		log.Infof("Running version: %s", version)
		return runService(args)
	case args.Stand != nil:
		return stand()
	case args.Flight != nil:
		return flight()
	case args.Status != nil:
		return status()
	case args.Console != nil:
		return console()
	}
	return errors.New("no subcommand given, see --help")
}

func runService(args Args) error {
	if err := godotenv.Load(args.EnvFile); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file '%s': %w", args.EnvFile, err)
		}
		log.Debugf("No env file at '%s'", args.EnvFile)
	}

	store, err := newStore(args.ConfigDir, args.ConfigFile)
	if err != nil {
		return err
	}
	conf, err := LoadConfig(store)
	if err != nil {
		return err
	}
	watchBeeper(store, conf)

	log.Debug("Initializing host")
	if _, err := host.Init(); err != nil {
		return err
	}
	bus, err := i2creg.Open(conf.I2CBus)
	if err != nil {
		return err
	}
	defer bus.Close()

	bank, err := newGPIOBank(bus, conf.GPIOAddress)
	if err != nil {
		return err
	}
	voltageChannel, err := newChannel(conf.VoltageChannel, bus, conf.ADCAddress)
	if err != nil {
		return fmt.Errorf("%s: %w", keyVoltageChannel, err)
	}
	currentChannel, err := newChannel(conf.CurrentChannel, bus, conf.ADCAddress)
	if err != nil {
		return fmt.Errorf("%s: %w", keyCurrentChannel, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var monitor *Monitor
	alarm := NewAlarm(bank, conf.BeeperPin, conf.BeeperEnabled, func() *SampledState { return monitor.Snapshot() })
	monitor = NewMonitor(MonitorConfig{
		Voltage:            voltageChannel,
		Current:            currentChannel,
		VoltageCalibration: conf.VoltageCalibration,
		CurrentCalibration: conf.CurrentCalibration,
		LowBatteryVoltage:  conf.LowBatteryVoltage(),
		Hysteresis:         conf.Hysteresis,
		Interval:           conf.SampleInterval,
	}, func() { alarm.Run(ctx) })

	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	publisher := NewPublisher(monitor, conf.Capacity, conf.PublishInterval,
		time.Duration(args.LogRateMinutes)*time.Minute, &dbusSink{conn: conn})
	if conf.MQTTBroker != "" {
		mqtt := newMQTTSink(conf.MQTTBroker, conf.MQTTClientID, conf.MQTTTopic)
		defer mqtt.Close()
		publisher.AddSink(mqtt)
	}

	svc, err := startService(conn, publisher)
	if err != nil {
		return err
	}

	controller := NewController(bank, conf.PowerPin, monitor.Critical, conf.PowerSaveTimeout, bank.Output(conf.PowerPin))
	log.Infof("Power control starting in state '%s', power save timeout %s", controller.State(), conf.PowerSaveTimeout)

	go monitor.Run(ctx)
	go publisher.Run(ctx)
	go serveRequests(ctx, svc, controller, receiveBackoff)

	log.Info("powerman running")
	<-ctx.Done()
	log.Info("Shutting down")
	return nil
}
