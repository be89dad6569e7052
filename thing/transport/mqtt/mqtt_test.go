package mqtt

import (
	"bufio"
	"net"
	"net/http"
	"sync"
	"testing"

	"github.com/wrlabs/devicecloud/config"
	"github.com/wrlabs/devicecloud/status"
	"github.com/wrlabs/devicecloud/thing/transport"
)

func testConfig(port int) *config.Config {
	return &config.Config{
		AppID:    "app",
		DeviceID: "dev",
		Cloud:    config.Cloud{Host: "cloud.example.com", Port: port, Token: "tok"},
		ThingKey: "dev-app",
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(&config.Config{}); status.Code(err) != status.BadParameter {
		t.Errorf("missing endpoint: %v", err)
	}

	// a secure port with validation on requires a trust bundle
	if _, err := New(testConfig(8883)); status.Code(err) != status.BadParameter {
		t.Errorf("secure port without bundle: %v", err)
	}
}

func TestNewBrokerURL(t *testing.T) {
	off := false
	for _, tc := range []struct {
		port int
		want string
	}{
		{1883, "tcp://cloud.example.com:1883"},
		{8080, "tcp://cloud.example.com:8080"},
		{8883, "ssl://cloud.example.com:8883"},
		{443, "wss://cloud.example.com:443/mqtt"},
	} {
		cfg := testConfig(tc.port)
		cfg.ValidateCloudCert = &off
		tr, err := New(cfg)
		if err != nil {
			t.Fatalf("port %d: %v", tc.port, err)
		}
		if len(tr.opts.Servers) != 1 || tr.opts.Servers[0].String() != tc.want {
			t.Errorf("port %d: broker = %v, want %s", tc.port, tr.opts.Servers, tc.want)
		}
	}
}

func TestNewCredentials(t *testing.T) {
	tr, err := New(testConfig(1883))
	if err != nil {
		t.Fatal(err)
	}
	if tr.opts.ClientID != "dev-app" || tr.opts.Username != "dev-app" {
		t.Errorf("identity = %q/%q", tr.opts.ClientID, tr.opts.Username)
	}
	if tr.opts.Password != "tok" {
		t.Errorf("password = %q", tr.opts.Password)
	}
	if tr.opts.AutoReconnect {
		t.Error("the transport must not reconnect on its own")
	}
}

func TestNewInsecureTLS(t *testing.T) {
	off := false
	cfg := testConfig(8883)
	cfg.ValidateCloudCert = &off
	tr, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if tr.opts.TLSConfig == nil || !tr.opts.TLSConfig.InsecureSkipVerify {
		t.Error("validation off must produce an insecure TLS context")
	}
}

func TestNewRejectsUnknownProxy(t *testing.T) {
	cfg := testConfig(1883)
	cfg.Proxy = config.Proxy{Type: "FTP", Host: "proxy", Port: 21}
	if _, err := New(cfg); status.Code(err) != status.NotSupported {
		t.Errorf("unknown proxy type: %v", err)
	}
}

// Open is re-run on every reconnect attempt while publish acks and broker
// handlers fire concurrently, so callback reads must go through the
// snapshot accessor. Meaningful under the race detector.
func TestCallbackSwapConcurrentWithReads(t *testing.T) {
	tr, err := New(testConfig(1883))
	if err != nil {
		t.Fatal(err)
	}

	var acks int
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			tr.setCallbacks(transport.Callbacks{OnPublish: func(uint16) {
				mu.Lock()
				acks++
				mu.Unlock()
			}})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if cb := tr.callbacks(); cb.OnPublish != nil {
				cb.OnPublish(1)
			}
		}
	}()
	wg.Wait()
}

func TestHTTPConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	done := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		done <- req.Method + " " + req.Host + " " + req.Header.Get("Proxy-Authorization")
		conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
	}()

	conn, err := httpConnect(ln.Addr().String(), "broker:1883", "user", "pass")
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()

	got := <-done
	want := "CONNECT broker:1883 Basic dXNlcjpwYXNz"
	if got != want {
		t.Errorf("proxy saw %q, want %q", got, want)
	}
}

func TestHTTPConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		bufio.NewReader(conn).ReadString('\n')
		conn.Write([]byte("HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n"))
		conn.Close()
	}()

	if _, err := httpConnect(ln.Addr().String(), "broker:1883", "", ""); err == nil {
		t.Fatal("refused CONNECT must fail")
	}
}
