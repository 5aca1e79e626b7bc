package okatis

import (
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all TCP port numbers used by okatis.
type Portnumbers struct {
	Events int // ZMQ PUB socket for the EVENTS and STATUS topics
}

// Ports globally holds all TCP port numbers used by okatis.
var Ports Portnumbers

// SetPortnumbers assigns the ports starting at base.
func SetPortnumbers(base int) {
	Ports.Events = base
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Gitdate string
	Date    string
	Host    string
	Summary string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.3.0",
	Githash: "no git hash computed",
	Gitdate: "no git date computed",
	Date:    "no build date computed",
}

// StartTime is a global holding the time init() was run
var StartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log camera state changes to a file
var UpdateLogger *log.Logger

func init() {
	SetPortnumbers(5600)
	StartTime = time.Now()

	// The okatis main program will override these, but at least initialize with a sensible value
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stderr, "", log.LstdFlags)
}
