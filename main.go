// Copyright 2021-2022 The thalamus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"time"

	"github.com/alwitt/thalamus/client"
	"github.com/alwitt/thalamus/cmd"
	"github.com/alwitt/thalamus/common"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
	// DevicePort overrides the configured producer port when set
	DevicePort int `validate:"gte=0,lt=65536"`
	// ClientPort overrides the configured consumer port when set
	ClientPort int `validate:"gte=0,lt=65536"`
}

var cmdArgs cliArgs

// deviceArgs arguments of the device subcommand
type deviceArgs struct {
	RelayHost  string        `validate:"required"`
	DeviceID   string        `validate:"required"`
	RecordFile string        `validate:"required,file"`
	Interval   time.Duration `validate:"gte=0"`
	Loop       bool
}

var deviceCmdArgs deviceArgs

// subscribeArgs arguments of the subscribe subcommand
type subscribeArgs struct {
	RelayHost   string   `validate:"required"`
	ProducerIDs []string `validate:"required,min=1,dive,required"`
}

var subscribeCmdArgs subscribeArgs

var logTags log.Fields

func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "TCP relay fanning out device records to subscribed clients",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
			// Relay ports
			&cli.IntFlag{
				Name:        "device-port",
				Usage:       "Port devices connect to. Overrides the config file when set.",
				EnvVars:     []string{"THALAMUS_DEVICE_PORT"},
				Value:       0,
				DefaultText: "9000",
				Destination: &cmdArgs.DevicePort,
				Required:    false,
			},
			&cli.IntFlag{
				Name:        "client-port",
				Usage:       "Port clients connect to. Overrides the config file when set.",
				EnvVars:     []string{"THALAMUS_CLIENT_PORT"},
				Value:       0,
				DefaultText: "9001",
				Destination: &cmdArgs.ClientPort,
				Required:    false,
			},
		},
		// Components
		Commands: []*cli.Command{
			{
				Name:        "relay",
				Usage:       "Run the thalamus relay",
				Description: "Accepts device records and forwards them to subscribed clients",
				Action:      startRelayServer,
			},
			{
				Name:        "device",
				Usage:       "Run a simulated device",
				Description: "Replays the records of a newline delimited JSON file into the relay",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "relay-host",
						Usage:       "Relay host name",
						EnvVars:     []string{"THALAMUS_RELAY_HOST"},
						Value:       "localhost",
						DefaultText: "localhost",
						Destination: &deviceCmdArgs.RelayHost,
						Required:    false,
					},
					&cli.StringFlag{
						Name:        "device-id",
						Usage:       "Device ID stamped on every record",
						Aliases:     []string{"d"},
						Destination: &deviceCmdArgs.DeviceID,
						Required:    true,
					},
					&cli.StringFlag{
						Name:        "record-file",
						Usage:       "Newline delimited JSON file of records to send",
						Aliases:     []string{"f"},
						Destination: &deviceCmdArgs.RecordFile,
						Required:    true,
					},
					&cli.DurationFlag{
						Name:        "interval",
						Usage:       "Pause between records",
						Value:       time.Second,
						DefaultText: "1s",
						Destination: &deviceCmdArgs.Interval,
						Required:    false,
					},
					&cli.BoolFlag{
						Name:        "loop",
						Usage:       "Replay the record file from the start once exhausted",
						Value:       false,
						DefaultText: "false",
						Destination: &deviceCmdArgs.Loop,
						Required:    false,
					},
				},
				Action: startDevice,
			},
			{
				Name:        "subscribe",
				Usage:       "Print the records of some devices",
				Description: "Subscribes to device IDs, and prints each record received",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "relay-host",
						Usage:       "Relay host name",
						EnvVars:     []string{"THALAMUS_RELAY_HOST"},
						Value:       "localhost",
						DefaultText: "localhost",
						Destination: &subscribeCmdArgs.RelayHost,
						Required:    false,
					},
					&cli.StringSliceFlag{
						Name:        "device-id",
						Usage:       "Device ID to subscribe to. Repeat for more devices.",
						Aliases:     []string{"d"},
						Required:    true,
					},
				},
				Action: startSubscriber,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing() (*common.SystemConfig, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	// Port overrides
	if cmdArgs.DevicePort > 0 {
		config.Relay.Producer.Port = uint16(cmdArgs.DevicePort)
	}
	if cmdArgs.ClientPort > 0 {
		config.Relay.Consumer.Port = uint16(cmdArgs.ClientPort)
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(wg *sync.WaitGroup, ctxt context.Context, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		defer signal.Stop(cc)
		select {
		case <-cc:
			ctxtCancel()
		case <-ctxt.Done():
		}
	}()
}

// ============================================================================
// Relay subcommand

// startRelayServer run the relay
func startRelayServer(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}

	wg, runtimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()
	signalRecvSetup(wg, runtimeContext, rtCancel)

	return cmd.RunRelayServer(config, cmdArgs.Hostname, runtimeContext)
}

// ============================================================================
// Device subcommand

// startDevice replay a record file into the relay
func startDevice(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	validate := validator.New()
	if err := validate.Struct(&deviceCmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid device CMD args")
		return err
	}

	source, err := client.DefineNDJSONFileSource(
		deviceCmdArgs.RecordFile, deviceCmdArgs.Loop, config.Relay.Session.MaxFrameBytes,
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := source.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to close record file")
		}
	}()

	wg, runtimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()
	signalRecvSetup(wg, runtimeContext, rtCancel)

	relayAddr := net.JoinHostPort(
		deviceCmdArgs.RelayHost, strconv.Itoa(int(config.Relay.Producer.Port)),
	)
	return client.RunDevice(
		runtimeContext, relayAddr, deviceCmdArgs.DeviceID, source, deviceCmdArgs.Interval,
	)
}

// ============================================================================
// Subscribe subcommand

// startSubscriber print the records of the subscribed devices
func startSubscriber(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	subscribeCmdArgs.ProducerIDs = c.StringSlice("device-id")
	validate := validator.New()
	if err := validate.Struct(&subscribeCmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid subscribe CMD args")
		return err
	}

	wg, runtimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()
	signalRecvSetup(wg, runtimeContext, rtCancel)

	relayAddr := net.JoinHostPort(
		subscribeCmdArgs.RelayHost, strconv.Itoa(int(config.Relay.Consumer.Port)),
	)
	return client.Subscribe(
		runtimeContext, relayAddr, subscribeCmdArgs.ProducerIDs, func(frame []byte) error {
			_, err := fmt.Fprintf(os.Stdout, "%s\n", frame)
			return err
		},
	)
}
