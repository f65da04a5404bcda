// Package nlog provides the data path's leveled logger: a thin wrapper
// around the standard logger tuned for the chatty, mostly-Infoln call
// sites of the region/grant/release hot paths.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"fmt"
	"log"
	"os"
)

var (
	sprintf = fmt.Sprintf
	sprintln = fmt.Sprintln
)

var std = log.New(os.Stderr, "", log.Ldate|log.Lmicroseconds|log.Lshortfile)

// SetOutput redirects all subsequent output; tests use this to capture logs.
func SetOutput(w interface{ Write([]byte) (int, error) }) {
	std.SetOutput(w)
}

func Infof(format string, args ...any)    { std.Output(2, "I "+sprintf(format, args...)) }
func Infoln(args ...any)                  { std.Output(2, "I "+sprintln(args...)) }
func Warningf(format string, args ...any) { std.Output(2, "W "+sprintf(format, args...)) }
func Warningln(args ...any)               { std.Output(2, "W "+sprintln(args...)) }
func Errorf(format string, args ...any)   { std.Output(2, "E "+sprintf(format, args...)) }
func Errorln(args ...any)                 { std.Output(2, "E "+sprintln(args...)) }

// Fatalln logs and terminates the process; reserved for no-fail-pool
// violations (spec: "the process aborts").
func Fatalln(args ...any) {
	std.Output(2, "F "+sprintln(args...))
	os.Exit(1)
}
