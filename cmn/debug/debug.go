// Package debug provides assertions that compile to no-ops in release
// builds. Build with `-tags debug` to enable.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import "github.com/NVIDIA/ddraid/cmn/nlog"

// Assert logs and exits the process (debug builds only) when cond is
// false.
func Assert(cond bool, args ...any) {
	if enabled && !cond {
		fatal(args...)
	}
}

func AssertNoErr(err error) {
	if enabled && err != nil {
		fatal(err)
	}
}

func AssertMsg(cond bool, msg string) {
	if enabled && !cond {
		fatal(msg)
	}
}

// Func runs f only in debug builds.
func Func(f func()) {
	if enabled {
		f()
	}
}

func fatal(args ...any) {
	nlog.Fatalln(append([]any{"assertion failed:"}, args...)...)
}
