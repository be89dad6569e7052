package mqtt

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"

	"github.com/wrlabs/devicecloud/config"
	"github.com/wrlabs/devicecloud/status"
)

// newProxyOpener builds the connection opener used when a proxy is
// configured. The proxy policy lives entirely in the returned closure;
// nothing process-global is rewired.
func newProxyOpener(cfg *config.Config) (pahomqtt.OpenConnectionFunc, error) {
	dial, err := newProxyDialer(cfg)
	if err != nil {
		return nil, err
	}
	var tlsc *tls.Config
	if cfg.SecurePort() {
		tlsc, err = cfg.TLSClientConfig()
		if err != nil {
			return nil, err
		}
	}

	return func(uri *url.URL, _ pahomqtt.ClientOptions) (net.Conn, error) {
		switch uri.Scheme {
		case "ws", "wss":
			return dialWebsocket(uri, cfg, dial, tlsc)
		case "ssl", "tls", "tcps":
			conn, err := dial("tcp", uri.Host)
			if err != nil {
				return nil, err
			}
			tc := tls.Client(conn, tlsc)
			if err := tc.Handshake(); err != nil {
				conn.Close()
				return nil, err
			}
			return tc, nil
		default:
			return dial("tcp", uri.Host)
		}
	}, nil
}

type dialFunc func(network, addr string) (net.Conn, error)

func newProxyDialer(cfg *config.Config) (dialFunc, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Proxy.Host, cfg.Proxy.Port)
	switch strings.ToUpper(cfg.Proxy.Type) {
	case "SOCKS5":
		var auth *proxy.Auth
		if cfg.Proxy.Username != "" {
			auth = &proxy.Auth{User: cfg.Proxy.Username, Password: cfg.Proxy.Password}
		}
		d, err := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
		if err != nil {
			return nil, status.Errorf(status.BadParameter, "proxy: %v", err)
		}
		return d.Dial, nil
	case "HTTP":
		return func(_, target string) (net.Conn, error) {
			return httpConnect(addr, target, cfg.Proxy.Username, cfg.Proxy.Password)
		}, nil
	default:
		return nil, status.Errorf(status.NotSupported,
			"unsupported proxy type %q", cfg.Proxy.Type)
	}
}

// httpConnect opens a tunnel through an HTTP proxy with CONNECT.
func httpConnect(proxyAddr, target, user, pass string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", proxyAddr, connectTimeout)
	if err != nil {
		return nil, err
	}
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: http.Header{},
	}
	if user != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT to %s: %s", target, resp.Status)
	}
	return conn, nil
}

// dialWebsocket opens the WebSocket tunnel through the configured proxy.
// HTTP proxies are handled by the websocket dialer's own CONNECT support,
// SOCKS5 through the raw dial function.
func dialWebsocket(uri *url.URL, cfg *config.Config, dial dialFunc, tlsc *tls.Config) (net.Conn, error) {
	d := &websocket.Dialer{
		TLSClientConfig:  tlsc,
		Subprotocols:     []string{"mqtt"},
		HandshakeTimeout: connectTimeout,
	}
	if strings.ToUpper(cfg.Proxy.Type) == "HTTP" {
		u, err := cfg.Proxy.URL()
		if err != nil {
			return nil, err
		}
		d.Proxy = http.ProxyURL(u)
	} else {
		d.NetDial = dial
	}
	ws, _, err := d.Dial(uri.String(), nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{Conn: ws}, nil
}

// wsConn adapts a websocket connection to net.Conn for the MQTT packet
// stream, one binary frame per write.
type wsConn struct {
	*websocket.Conn
	r io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			_, r, err := c.NextReader()
			if err != nil {
				return 0, err
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}
