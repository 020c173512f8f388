package backend

import (
	"errors"
	"fmt"
	"time"
)

// ErrWaitTimeout is the host side reading of a wait that did not see the
// job finish. The job stays on the device.
var ErrWaitTimeout = errors.New("wait timed out")

// Client is the host side of the boundary. It only exists for a backend
// whose Version matched.
type Client struct {
	api *API
}

// Bind checks the version of api before touching any other field and
// refuses a backend built for another ABI.
func Bind(api *API, expected uint32) (*Client, error) {
	if api == nil {
		return nil, &Error{Code: CodeInvalidArgument, Message: "nil function table"}
	}
	if api.Version != expected {
		return nil, &Error{
			Code:    CodeVersionMismatch,
			Message: fmt.Sprintf("backend ABI %d, host expects %d", api.Version, expected),
		}
	}
	return &Client{api: api}, nil
}

// API returns the bound function table.
func (c *Client) API() *API { return c.api }

// Devices returns the descriptors of every device.
func (c *Client) Devices() ([]DeviceInfo, error) {
	n := c.api.DeviceCount()
	out := make([]DeviceInfo, 0, n)
	for i := 0; i < n; i++ {
		d, err := c.api.DeviceInfo(i)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Hash submits job on h and waits up to timeout for it.
func (c *Client) Hash(h Handle, job Job, timeout time.Duration) (*JobResult, error) {
	if err := c.api.Submit(h, job); err != nil {
		return nil, err
	}
	res := c.api.Wait(h, timeout.Milliseconds())
	switch res.Status {
	case PollReady:
		return res.Result, nil
	case PollFailed:
		return nil, res.Err
	default:
		return nil, ErrWaitTimeout
	}
}
