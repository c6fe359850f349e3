package powerman

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const receiveBackoff = time.Second

// Exchange is one request waiting for its reply.
type Exchange struct {
	Payload []byte
	Reply   func(reply []byte)
}

// RequestSource delivers control requests.
type RequestSource interface {
	Receive(ctx context.Context) (Exchange, error)
}

// ReceiveError is a failure to receive a request. These are always retried.
type ReceiveError struct {
	Err     error
	Timeout bool
}

func (e *ReceiveError) Error() string {
	if e.Timeout {
		return "timed out waiting for request"
	}
	return fmt.Sprintf("receiving request: %v", e.Err)
}

func (e *ReceiveError) Unwrap() error {
	return e.Err
}

// serveRequests handles requests one at a time until ctx is done.
func serveRequests(ctx context.Context, src RequestSource, ctl *Controller, backoff time.Duration) {
	for {
		ex, err := src.Receive(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			var recvErr *ReceiveError
			if errors.As(err, &recvErr) && recvErr.Timeout {
				log.Debug(err)
			} else {
				log.Errorf("Control channel: %v, retrying in %s", err, backoff)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}

		reply := ctl.HandlePayload(ex.Payload)
		log.Debugf("Replying %s, power state %s", reply.Status, ctl.State())
		ex.Reply(reply.Marshal())
	}
}
