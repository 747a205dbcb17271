package main

import (
	"time"

	"github.com/loykin/loopr/internal/config"
)

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	StateDir   string
	// Server, when set, sends read and stop commands to a dashboard
	// instead of the local state directory.
	Server   string
	Timeout  time.Duration
	CACert   string
	Insecure bool
}

// StartFlags Flag structs to decouple cobra from logic for testing.
type StartFlags struct {
	Name           string
	Task           string
	Interval       string
	MaxCost        float64
	MaxRetries     int
	Timeout        time.Duration
	RunImmediately bool
}

// withDefaults fills the policy fields the user did not set from d. A nil
// changed keeps every field as given.
func (f StartFlags) withDefaults(d config.Defaults, changed func(string) bool) StartFlags {
	if changed == nil {
		changed = func(string) bool { return true }
	}
	if !changed("max-cost") {
		f.MaxCost = d.MaxCost
	}
	if !changed("max-retries") {
		f.MaxRetries = d.MaxRetries
	}
	if !changed("timeout") {
		f.Timeout = d.Timeout
	}
	return f
}

type RunFlags struct {
	Name string
}

type StopFlags struct {
	Name   string
	Wait   time.Duration
	Delete bool
	Force  bool
}

func (f StopFlags) withDefaults(d config.Defaults, changed func(string) bool) StopFlags {
	if changed != nil && !changed("wait") {
		f.Wait = d.Wait
	}
	return f
}

type DeleteFlags struct {
	Name  string
	Force bool
}

type ServeFlags struct {
	Listen         string
	BasePath       string
	ReconcileEvery time.Duration
}

type InitFlags struct {
	Type   string
	Agent  string
	Output string
	Home   string
	Force  bool
}
