package main

import "flag"

type flagSet struct {
	ConfigPath string
	Debug      bool
}

var flags flagSet

func init() {
	flag.StringVar(&flags.ConfigPath, "config", "starter.json", "path to starter JSON config")
	flag.BoolVar(&flags.Debug, "debug", false, "enable debug logs")
}
