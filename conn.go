package framewalk

import (
	"context"
	"net"
	"net/url"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
)

// Buffer sizes are sized for CDP payloads: full accessibility trees and
// base64 screenshots routinely run to megabytes.
const (
	wsReadBufferSize  = 25 * 1024 * 1024
	wsWriteBufferSize = 10 * 1024 * 1024
)

// transport is the websocket framing layer under Client: one
// cdproto.Message per text frame, no state beyond the socket.
type transport struct {
	ws *websocket.Conn
}

// dialDevTools connects to a DevTools websocket endpoint. The URL host is
// resolved to a literal IP first: Chrome rejects Host headers that are
// neither an IP address nor localhost.
func dialDevTools(ctx context.Context, urlstr string) (*transport, error) {
	d := &websocket.Dialer{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
	}
	ws, _, err := d.DialContext(ctx, forceIP(urlstr), nil)
	if err != nil {
		return nil, err
	}
	return &transport{ws: ws}, nil
}

func (t *transport) read() (*cdproto.Message, error) {
	msg := new(cdproto.Message)
	if err := t.ws.ReadJSON(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (t *transport) write(msg *cdproto.Message) error {
	return t.ws.WriteJSON(msg)
}

func (t *transport) close() error {
	return t.ws.Close()
}

// forceIP rewrites the URL's host to a resolved IP address. localhost and
// hosts that fail to parse or resolve pass through unchanged.
func forceIP(urlstr string) string {
	u, err := url.Parse(urlstr)
	if err != nil {
		return urlstr
	}
	host := u.Hostname()
	if host == "" || host == "localhost" {
		return urlstr
	}
	addr, err := net.ResolveIPAddr("ip", host)
	if err != nil {
		return urlstr
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(addr.IP.String(), port)
	} else {
		u.Host = addr.IP.String()
	}
	return u.String()
}
