package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Default method response status codes, overridable through
// configuration.
const (
	DefaultSuccessStatus = 200
	DefaultFailureStatus = 500
)

// Bridge converts an asynchronous cloud method invocation into a
// synchronous local service call.
//
// The cloud SDK's method callback contract requires a status and a
// response body before it proceeds, so Invoke blocks its caller on a
// one-shot channel until the local call completes, even though the
// local call itself finishes asynchronously on a bus goroutine.
// Concurrent invocations are independent; there is no cancellation once
// a call has been dispatched.
type Bridge struct {
	Bus Bus

	// SuccessStatus and FailureStatus are the codes reported upstream.
	// Zero values fall back to DefaultSuccessStatus/DefaultFailureStatus.
	SuccessStatus int
	FailureStatus int

	// Timeout bounds the wait for the local call. Zero preserves the
	// original behavior of waiting forever.
	Timeout time.Duration

	Log *slog.Logger // optional
}

type callOutcome struct {
	result []byte
	err    error
}

func (b *Bridge) logger() *slog.Logger {
	if b.Log != nil {
		return b.Log
	}
	return slog.Default()
}

func (b *Bridge) successStatus() int {
	if b.SuccessStatus != 0 {
		return b.SuccessStatus
	}
	return DefaultSuccessStatus
}

func (b *Bridge) failureStatus() int {
	if b.FailureStatus != 0 {
		return b.FailureStatus
	}
	return DefaultFailureStatus
}

// Invoke dispatches a named cloud method to the local service of the
// same name and blocks until it completes. The response body is always
// a JSON object of the shape {"response": ...}: the service result on
// success, a failure description otherwise.
func (b *Bridge) Invoke(method string, args []byte) (int, []byte) {
	log := b.logger().With("method", method)

	if len(args) == 0 {
		args = []byte("{}")
	}
	if !json.Valid(args) {
		log.Error("rejecting method call: arguments are not valid JSON")
		return b.failureStatus(), describeFailure("method arguments are not valid JSON")
	}

	// Buffered so whichever callback fires first completes the
	// invocation without blocking a bus goroutine; the one-shot send
	// guards against a collaborator firing both callbacks.
	done := make(chan callOutcome, 1)
	b.Bus.CallService(method, args,
		func(result []byte) {
			select {
			case done <- callOutcome{result: result}:
			default:
			}
		},
		func(err error) {
			select {
			case done <- callOutcome{err: err}:
			default:
			}
		},
	)

	var timeout <-chan time.Time
	if b.Timeout > 0 {
		t := time.NewTimer(b.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case outcome := <-done:
		if outcome.err != nil {
			log.Warn("local service call failed", "err", outcome.err)
			return b.failureStatus(), describeFailure(outcome.err.Error())
		}
		log.Info("method bridged", "status", b.successStatus())
		return b.successStatus(), wrapResult(outcome.result)
	case <-timeout:
		log.Error("local service call timed out", "timeout", b.Timeout)
		return b.failureStatus(), describeFailure(fmt.Sprintf("no response from local service within %s", b.Timeout))
	}
}

// wrapResult embeds a service result in the response envelope. Results
// that are not valid JSON are carried as a JSON string.
func wrapResult(result []byte) []byte {
	if len(result) == 0 {
		result = []byte("null")
	}
	if !json.Valid(result) {
		quoted, _ := json.Marshal(string(result))
		result = quoted
	}
	out, _ := json.Marshal(map[string]json.RawMessage{"response": result})
	return out
}

func describeFailure(description string) []byte {
	out, _ := json.Marshal(map[string]string{"response": description})
	return out
}
