package driver

import (
	"fmt"

	uierr "github.com/entrhq/uidriver/pkg/errors"
	"github.com/entrhq/uidriver/pkg/probe"
	"github.com/entrhq/uidriver/pkg/transport"
)

// The wrappers below cover the server operations the library exposes as
// typed calls. The full REST surface follows the same mechanical pattern.

// ServerStatus describes the running server.
type ServerStatus struct {
	Version  string `json:"version"`
	UptimeMS int64  `json:"uptimeMs"`
}

// Rect is a screen-coordinate rectangle.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Element is a UI element reported by the server.
type Element struct {
	ID     string `json:"id"`
	Role   string `json:"role"`
	Name   string `json:"name"`
	Bounds Rect   `json:"bounds"`
}

// Screenshot is a captured screen image.
type Screenshot struct {
	Image  string `json:"image"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// ClickTarget addresses an element by selector or a point by coordinates.
type ClickTarget struct {
	Selector string `json:"selector,omitempty"`
	X        int    `json:"x,omitempty"`
	Y        int    `json:"y,omitempty"`
}

type findRequest struct {
	Selector string `json:"selector"`
}

type findResponse struct {
	Elements []Element `json:"elements"`
}

type typeRequest struct {
	Text string `json:"text"`
}

// Ping checks the liveness endpoint of a ready session.
func (s *Session) Ping() error {
	c, err := s.api()
	if err != nil {
		return err
	}
	body, err := transport.GetRaw(c, probe.LivenessPath)
	if err != nil {
		return err
	}
	if body != probe.ReadyBody {
		return &uierr.ProtocolError{Detail: fmt.Sprintf("liveness endpoint answered %q", body)}
	}
	return nil
}

// Status returns the server's version and uptime.
func (s *Session) Status() (ServerStatus, error) {
	c, err := s.api()
	if err != nil {
		return ServerStatus{}, err
	}
	return transport.Get[ServerStatus](c, "/status")
}

// CaptureScreenshot takes a screenshot of the primary display.
func (s *Session) CaptureScreenshot() (Screenshot, error) {
	c, err := s.api()
	if err != nil {
		return Screenshot{}, err
	}
	return transport.Post[Screenshot](c, "/screenshot", nil)
}

// FindElements asks the server for UI elements matching the selector.
func (s *Session) FindElements(selector string) ([]Element, error) {
	c, err := s.api()
	if err != nil {
		return nil, err
	}
	resp, err := transport.Post[findResponse](c, "/elements", findRequest{Selector: selector})
	if err != nil {
		return nil, err
	}
	return resp.Elements, nil
}

// Click clicks the given target.
func (s *Session) Click(target ClickTarget) error {
	c, err := s.api()
	if err != nil {
		return err
	}
	_, err = transport.Post[struct{}](c, "/click", target)
	return err
}

// TypeText types text into the focused element.
func (s *Session) TypeText(text string) error {
	c, err := s.api()
	if err != nil {
		return err
	}
	_, err = transport.Post[struct{}](c, "/type", typeRequest{Text: text})
	return err
}
