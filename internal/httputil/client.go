// Package httputil builds the shared HTTP/2 client used to reach the
// upstream Gemini CLI endpoint, carrying over the teacher's connection
// pooling and proxy-aware transport tuning.
package httputil

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// NewSharedClient builds the HTTP/2 client every upstream.Client is
// constructed around: pooled connections, large read/write buffers for
// streaming, and an HTTP(S)/SOCKS5 proxy read from the environment.
func NewSharedClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   false,
		DisableCompression:  false,
		ForceAttemptHTTP2:   true,
		WriteBufferSize:     64 * 1024,
		ReadBufferSize:      256 * 1024,
	}

	if proxyURL := proxyFromEnv(); proxyURL != nil {
		if strings.HasPrefix(proxyURL.Scheme, "socks5") {
			configureSocks5Proxy(transport, proxyURL)
		} else {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		log.WithError(err).Warn("httputil: failed to configure HTTP/2, falling back to HTTP/1.1")
	}

	return &http.Client{
		Timeout:   10 * time.Minute,
		Transport: transport,
	}
}

// proxyFromEnv checks HTTPS_PROXY/HTTP_PROXY (and lowercase variants),
// supporting http://, https://, socks5://, and socks5h:// schemes.
func proxyFromEnv() *url.URL {
	proxyStr := os.Getenv("HTTPS_PROXY")
	if proxyStr == "" {
		proxyStr = os.Getenv("https_proxy")
	}
	if proxyStr == "" {
		proxyStr = os.Getenv("HTTP_PROXY")
	}
	if proxyStr == "" {
		proxyStr = os.Getenv("http_proxy")
	}
	if proxyStr == "" {
		return nil
	}

	proxyURL, err := url.Parse(proxyStr)
	if err != nil {
		log.WithError(err).WithField("proxy", proxyStr).Warn("httputil: invalid proxy URL")
		return nil
	}

	scheme := strings.ToLower(proxyURL.Scheme)
	if scheme != "http" && scheme != "https" && scheme != "socks5" && scheme != "socks5h" {
		log.WithField("scheme", scheme).Warn("httputil: unsupported proxy scheme")
		return nil
	}

	log.WithFields(log.Fields{"scheme": scheme, "host": proxyURL.Host}).Info("httputil: using proxy")
	return proxyURL
}

func configureSocks5Proxy(transport *http.Transport, proxyURL *url.URL) {
	var auth *proxy.Auth
	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		auth = &proxy.Auth{User: proxyURL.User.Username(), Password: password}
	}

	dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
	if err != nil {
		log.WithError(err).Error("httputil: failed to create SOCKS5 dialer")
		return
	}

	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.Dial(network, addr)
	}
}
