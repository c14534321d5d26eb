package main

import "time"

// GlobalFlags holds persistent flags.
type GlobalFlags struct {
	ConfigPath string
}

// RemoteFlags select the HTTP API instead of the local store.
type RemoteFlags struct {
	APIUrl     string
	APITimeout time.Duration
	APICACert  string
	Insecure   bool
}

type RunFlags struct {
	Wait         bool
	MaxProcesses int
	ScriptArgs   string
}

type EnqueueFlags struct {
	StepsFile string
	Timeout   float64 // seconds
	Data      string
	Args      []string
	RemoteFlags
}

type ProceedFlags struct {
	Data string
	RemoteFlags
}

type ServeFlags struct {
	Listen   string
	BasePath string
}
