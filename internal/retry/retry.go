// Copyright 2026 The OpenBMC Authors.
// Use of this source code is governed by an Apache-2.0 license that can be
// found in the LICENSE file.

// Package retry implements a bounded-retry policy for the bus's two
// "busy" error names, ObjectPathInUse and LimitsExceeded, generalized
// via DoIf to any retry condition — used by callers that poll on an
// error other than busy, such as waiting for an object path to appear.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/godbus/dbus/v5"
)

// Policy bounds how many times a busy call is retried and how long to wait
// between attempts.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultPolicy is the mapper's standard retry budget: 5 attempts at 200ms.
var DefaultPolicy = Policy{Attempts: 5, Delay: 200 * time.Millisecond}

// WaitPolicy is the longer budget for callers polling until a condition
// holds, such as an object path appearing: 20 attempts at 500ms.
var WaitPolicy = Policy{Attempts: 20, Delay: 500 * time.Millisecond}

const (
	errObjectPathInUse = "org.freedesktop.DBus.Error.ObjectPathInUse"
	errLimitsExceeded  = "org.freedesktop.DBus.Error.LimitsExceeded"
)

// Busy reports whether err is one of the bus's two transient-busy error
// names. ObjectPathInUse is treated as a busy signal on the calling side
// even though its name suggests a server-side path collision — callers
// here never register competing object paths, so it only ever means a
// name claim raced with another client.
func Busy(err error) bool {
	var dbusErr dbus.Error
	if !errors.As(err, &dbusErr) {
		return false
	}
	return dbusErr.Name == errObjectPathInUse || dbusErr.Name == errLimitsExceeded
}

// Do retries fn up to policy.Attempts times, sleeping policy.Delay between
// attempts, as long as fn's error is Busy. It returns the last error (busy
// or not) if every attempt is exhausted, or nil on the first success.
func Do(ctx context.Context, policy Policy, fn func() error) error {
	return DoIf(ctx, policy, Busy, fn)
}

// DoIf is Do generalized over the retry condition: fn is retried only while
// retryable(err) holds. WaitPolicy's longer budget is meant for callers
// retrying on a condition other than a busy bus reply — e.g. polling for an
// object path to come into existence, where every error (typically
// FileNotFound) is retry-worthy rather than just the two busy names.
func DoIf(ctx context.Context, policy Policy, retryable func(error) bool, fn func() error) error {
	var err error
	for attempt := 0; attempt < policy.Attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt == policy.Attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Delay):
		}
	}
	return err
}
