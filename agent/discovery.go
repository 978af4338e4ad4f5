package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD type Theas servers and agents advertise.
const ServiceType = "_theas._tcp"

var errNotFound = errors.New("no theas server found")

// Advertise registers this process under service until ctx ends. role is "agent"
// or "server"; Discover only returns servers.
func Advertise(ctx context.Context, role, service, domain string, port int, logger *slog.Logger) error {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("theas-%s-%s", role, host),
		service,
		domain,
		port,
		[]string{"txtv=0", "role=" + role, "path=/"},
		nil,
	)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	logger.Info("mdns service registered", "service", service, "role", role, "port", port)
	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()
	return nil
}

// Discover browses for a Theas server and returns its base URL. Each browse lasts
// timeout; failed browses are retried with exponential backoff until ctx ends.
func Discover(ctx context.Context, service, domain string, timeout time.Duration, logger *slog.Logger) (string, error) {
	var found string
	op := func() error {
		u, err := browse(ctx, service, domain, timeout)
		if err != nil {
			logger.Debug("mdns browse", "err", err)
			return err
		}
		found = u
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return "", err
	}
	logger.Info("mdns discovered server", "url", found)
	return found, nil
}

func browse(ctx context.Context, service, domain string, timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("init mdns resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return "", fmt.Errorf("browse mdns: %w", err)
	}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", errNotFound
			}
			if u, ok := serverURL(entry); ok {
				return u, nil
			}
		case <-ctx.Done():
			return "", errNotFound
		}
	}
}

// serverURL builds a base URL from an entry advertised by a server. Agents and
// entries without an address are skipped.
func serverURL(entry *zeroconf.ServiceEntry) (string, bool) {
	txt := make(map[string]string)
	for _, t := range entry.Text {
		k, v, _ := strings.Cut(t, "=")
		txt[k] = v
	}
	if txt["role"] == "agent" {
		return "", false
	}
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return "", false
	}
	path := txt["path"]
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	scheme := "http"
	if txt["tls"] == "1" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)), path), true
}
