// SPDX-License-Identifier: GPL-3.0-or-later

// Package errclass classifies network and tunnel errors into short,
// platform-independent labels.
//
// The per-OS errno constants live in unix.go and windows.go (adapted from
// https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/common/errclass).
// This file adds the classification entry point and the tunnel/context
// error kinds spec.md's error handling design (§7) distinguishes:
// transient network errors, which recover via reconnect, versus fatal
// tunnel errors, which force a stop.
package errclass

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
)

// Generic labels for errors that don't map to a known errno.
const (
	EGENERIC  = "EGENERIC"
	ETIMEDOUT = "ETIMEDOUT"
	ECANCELED = "ECANCELED"
)

// Classify maps err to a short descriptive label.
//
// Returns the empty string for a nil error. Context deadline/cancellation
// errors are classified before unwrapping to a syscall.Errno, since they
// never carry one. Unrecognized errors fall back to [EGENERIC].
func Classify(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ETIMEDOUT
	}
	if errors.Is(err, context.Canceled) {
		return ECANCELED
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		if label, ok := classifyErrno(errno); ok {
			return label
		}
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ETIMEDOUT
	}

	return EGENERIC
}

func classifyErrno(errno syscall.Errno) (string, bool) {
	switch errno {
	case errEADDRNOTAVAIL:
		return "EADDRNOTAVAIL", true
	case errEADDRINUSE:
		return "EADDRINUSE", true
	case errECONNABORTED:
		return "ECONNABORTED", true
	case errECONNREFUSED:
		return "ECONNREFUSED", true
	case errECONNRESET:
		return "ECONNRESET", true
	case errEHOSTUNREACH:
		return "EHOSTUNREACH", true
	case errEINVAL:
		return "EINVAL", true
	case errEINTR:
		return "EINTR", true
	case errENETDOWN:
		return "ENETDOWN", true
	case errENETUNREACH:
		return "ENETUNREACH", true
	case errENOBUFS:
		return "ENOBUFS", true
	case errENOTCONN:
		return "ENOTCONN", true
	case errEPROTONOSUPPORT:
		return "EPROTONOSUPPORT", true
	case errETIMEDOUT:
		return ETIMEDOUT, true
	default:
		return "", false
	}
}

// IsTransient reports whether label describes a transient network
// condition that the engine's reconnect path should absorb, as opposed
// to a fatal tunnel error (spec.md §7).
func IsTransient(label string) bool {
	switch label {
	case "ECONNREFUSED", "ECONNRESET", "ECONNABORTED", "EHOSTUNREACH",
		"ENETDOWN", "ENETUNREACH", "ENOBUFS", ETIMEDOUT, ECANCELED:
		return true
	default:
		return false
	}
}
