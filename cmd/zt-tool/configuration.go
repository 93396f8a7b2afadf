// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Core    coreConf
	Logging logConf
	Monitor monitorConf
}

// coreConf describes the Core-configuration block.
type coreConf struct {
	Home     string
	Protocol uint16
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// monitorConf describes the Monitor-configuration block.
type monitorConf struct {
	Listen string
}

// loadConfig reads the configuration file.
func loadConfig(filename string) (conf tomlConfig, err error) {
	_, err = toml.DecodeFile(filename, &conf)
	return
}

// applyConfig applies logging settings and fills the home and monitor
// flags if they are unset. A non-zero configured protocol replaces the
// protocol flag's value, whether or not the flag was given.
func applyConfig(conf tomlConfig) {
	if conf.Logging.Level != "" {
		if lvl, err := log.ParseLevel(conf.Logging.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Logging.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.Logging.ReportCaller)

	switch conf.Logging.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}

	if homeDir == "" {
		homeDir = conf.Core.Home
	}
	if conf.Core.Protocol != 0 {
		spProtocol = conf.Core.Protocol
	}
	if monitorListen == "" {
		monitorListen = conf.Monitor.Listen
	}
}
