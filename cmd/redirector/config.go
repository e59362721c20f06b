package main

import "flag"

// flagSet holds runtime options that do not belong in the shared JSON config:
// where to find it, where to serve metrics, and the optional Redis mirror.
type flagSet struct {
	ConfigPath    string
	MetricsAddr   string
	Debug         bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

var flags flagSet

func init() {
	flag.StringVar(&flags.ConfigPath, "config", "redirector.json", "path to redirector JSON config")
	flag.StringVar(&flags.MetricsAddr, "metrics", ":9100", "metrics and health listen address")
	flag.BoolVar(&flags.Debug, "debug", false, "enable debug logs")
	flag.StringVar(&flags.RedisAddr, "redis", "", "optional redis address for the session state mirror")
	flag.StringVar(&flags.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&flags.RedisDB, "redis-db", 0, "redis database number")
}
