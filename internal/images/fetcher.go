package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"path"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrTooLarge is returned when a remote image exceeds the size limit
	ErrTooLarge = errors.New("image too large")

	// ErrForbiddenAddress is returned when a URL resolves to a loopback, private or link-local address
	ErrForbiddenAddress = errors.New("address not allowed")
)

// Fetcher downloads source images from remote URLs
type Fetcher struct {
	HTTPClient *http.Client
	// MaxBytes caps the size of a download
	MaxBytes int64
	// AllowPrivate lets the fetcher connect to loopback, private and link-local hosts
	AllowPrivate bool
}

// NewFetcher creates a new image fetcher. Connections are checked after DNS
// resolution, so redirects and hostnames pointing inside the network are
// refused as well.
func NewFetcher(maxBytes int64) *Fetcher {
	f := &Fetcher{MaxBytes: maxBytes}
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   f.checkAddress,
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	f.HTTPClient = &http.Client{
		Timeout:   30 * time.Second,
		Transport: transport,
	}
	return f
}

func (f *Fetcher) checkAddress(network, address string, _ syscall.RawConn) error {
	if f.AllowPrivate {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrForbiddenAddress, address)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrForbiddenAddress, address)
	}
	if !isPublic(ip.Unmap()) {
		return fmt.Errorf("%w: %s", ErrForbiddenAddress, ip)
	}
	return nil
}

// sharedAddressSpace is the carrier-grade NAT range, RFC 6598
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

func isPublic(ip netip.Addr) bool {
	switch {
	case ip.IsLoopback(), ip.IsPrivate(), ip.IsUnspecified(),
		ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast(),
		ip.IsInterfaceLocalMulticast(), ip.IsMulticast(),
		sharedAddressSpace.Contains(ip):
		return false
	}
	return true
}

// Fetch downloads the image at rawURL and returns its bytes and a filename
// derived from the URL path.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, "", fmt.Errorf("invalid image URL %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	slog.Info("Fetching image", "url", rawURL)
	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("image URL returned status %d", resp.StatusCode)
	}
	if f.MaxBytes > 0 && resp.ContentLength > f.MaxBytes {
		return nil, "", fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	var body io.Reader = resp.Body
	if f.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, f.MaxBytes+1)
	}
	imageData, err := io.ReadAll(body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image data: %w", err)
	}
	if f.MaxBytes > 0 && int64(len(imageData)) > f.MaxBytes {
		return nil, "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.MaxBytes)
	}
	if len(imageData) == 0 {
		return nil, "", fmt.Errorf("image URL returned an empty body")
	}

	return imageData, filename(u, resp.Header.Get("Content-Type")), nil
}

func filename(u *url.URL, contentType string) string {
	name := path.Base(u.Path)
	if name != "." && name != "/" && path.Ext(name) != "" {
		return name
	}
	ext := ".png"
	switch strings.TrimSpace(strings.Split(contentType, ";")[0]) {
	case "image/jpeg":
		ext = ".jpg"
	case "image/gif":
		ext = ".gif"
	case "image/webp":
		ext = ".webp"
	case "image/bmp":
		ext = ".bmp"
	case "image/tiff":
		ext = ".tiff"
	}
	if name == "." || name == "/" || name == "" {
		name = "image"
	}
	return name + ext
}
