// internal/browser/protocol.go
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cdpt "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
)

// cdptime converts storage-state epoch seconds into the protocol's
// time-since-epoch representation.
func cdptime(sec float64) cdpt.TimeSinceEpoch {
	return cdpt.TimeSinceEpoch(time.Unix(int64(sec), 0))
}

// evaluateResult is the slice of Runtime.evaluate's response this core
// consumes: the by-value result and any thrown exception.
type evaluateResult struct {
	Result struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text      string `json:"text"`
		Exception *struct {
			Description string `json:"description"`
		} `json:"exception"`
	} `json:"exceptionDetails"`
}

func (r *evaluateResult) err() error {
	if r.ExceptionDetails == nil {
		return nil
	}
	msg := r.ExceptionDetails.Text
	if ex := r.ExceptionDetails.Exception; ex != nil && ex.Description != "" {
		msg = ex.Description
	}
	return fmt.Errorf("script threw: %s", msg)
}

// evaluateRaw runs an expression by value and returns the raw JSON of its
// result.
func evaluateRaw(ctx context.Context, sess sessionCaller, expr string) (json.RawMessage, error) {
	params := runtime.EvaluateParams{Expression: expr, ReturnByValue: true}
	var res evaluateResult
	if err := sess.Call(ctx, runtime.CommandEvaluate, params, &res); err != nil {
		return nil, err
	}
	if err := res.err(); err != nil {
		return nil, err
	}
	return res.Result.Value, nil
}

// evaluateInto runs an expression by value and decodes its result into out.
// A nil out discards the result.
func evaluateInto(ctx context.Context, sess sessionCaller, expr string, out any) error {
	raw, err := evaluateRaw(ctx, sess, expr)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := jsonCodec.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding script result: %w", err)
	}
	return nil
}
