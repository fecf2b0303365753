// SPDX-License-Identifier: GPL-3.0-or-later

package dnssink

import "github.com/bassosimone/dnssink/errclass"

// ErrClassifier classifies errors into categorical strings for analysis.
//
// Implementations map errors to short, descriptive labels (e.g., "ETIMEDOUT",
// "ECONNRESET") that the lifecycle uses to decide whether an upstream or
// tunnel failure is transient (reconnect) or fatal (stop), per spec.md §7,
// in addition to tagging structured log events.
type ErrClassifier interface {
	Classify(err error) string
}

// ErrClassifierFunc adapts a function to the [ErrClassifier] interface.
//
// This allows using simple functions as classifiers:
//
//	op.ErrClassifier = ErrClassifierFunc(errclass.Classify)
type ErrClassifierFunc func(error) string

var _ ErrClassifier = ErrClassifierFunc(nil)

// Classify implements [ErrClassifier].
func (f ErrClassifierFunc) Classify(err error) string {
	return f(err)
}

// DefaultErrClassifier classifies errors using [errclass.Classify].
//
// Unlike a measurement library, where classification is purely for
// observability and a no-op default is safe, this engine's lifecycle
// calls [errclass.IsTransient] on the result to decide, on a tunnel
// factory or pump exit error, whether to reconnect with backoff or stop
// outright (see lifecycle.go's doStart and its pumpDone handling), so
// the default is wired rather than a no-op.
var DefaultErrClassifier = ErrClassifierFunc(errclass.Classify)
