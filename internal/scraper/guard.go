package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
)

// ErrForbiddenAddress is returned when a link resolves to a loopback,
// private, link-local or otherwise non-public address.
var ErrForbiddenAddress = errors.New("address is not public")

// Option configures a fetcher.
type Option func(*options)

type options struct {
	allowPrivate bool
}

// WithPrivateNetworks lets fetchers reach loopback and private addresses.
func WithPrivateNetworks() Option {
	return func(o *options) { o.allowPrivate = true }
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// sharedAddressSpace is the carrier-grade NAT range (RFC 6598).
var sharedAddressSpace = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

func isPublicIP(ip net.IP) bool {
	switch {
	case ip.IsLoopback(), ip.IsPrivate(), ip.IsUnspecified(),
		ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast(),
		ip.IsInterfaceLocalMulticast(), ip.IsMulticast():
		return false
	case sharedAddressSpace.Contains(ip):
		return false
	}
	return true
}

// publicOnly is a net.Dialer Control hook. It sees the resolved address, so
// a hostname that resolves to a private address is refused too.
func publicOnly(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrForbiddenAddress, address)
	}
	ip := net.ParseIP(host)
	if ip == nil || !isPublicIP(ip) {
		return fmt.Errorf("%w: %s", ErrForbiddenAddress, host)
	}
	return nil
}

// checkPublicHost resolves the host of rawURL and refuses it unless every
// address is public. Used where the dial itself cannot be hooked.
func checkPublicHost(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		if !isPublicIP(ip) {
			return fmt.Errorf("%w: %s", ErrForbiddenAddress, host)
		}
		return nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return err
	}
	for _, a := range addrs {
		if !isPublicIP(a.IP) {
			return fmt.Errorf("%w: %s resolves to %s", ErrForbiddenAddress, host, a.IP)
		}
	}
	return nil
}
