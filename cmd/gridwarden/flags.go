package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
	User       string
	Password   string // falls back to $GRIDWARDEN_PASSWORD
	CACert     string
	Insecure   bool
	JSON       bool
}

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

type LogsFlags struct {
	Limit int
}
