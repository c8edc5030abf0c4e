package netfabric

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"net/netip"
	"sync"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"

	"github.com/iotsandbox/detonator/internal/sandbox"
)

// embeddedDHCP is the default DHCP backend: an in-process dhcpv4/server4
// listener instead of a dnsmasq subprocess, handing out sequential
// addresses from cfg.DHCPRangeLow..DHCPRangeHigh keyed by requesting MAC.
type embeddedDHCP struct {
	srv *server4.Server

	mu      sync.Mutex
	leases  map[string]net.IP // client MAC -> assigned IP
	nextIP  net.IP
	highIP  net.IP
	routerIP net.IP
}

func (e *embeddedDHCP) Start(ctx context.Context, cfg sandbox.NetConfig) error {
	low, err := netip.ParseAddr(cfg.DHCPRangeLow)
	if err != nil {
		return fmt.Errorf("parsing dhcp_range_low %q: %w", cfg.DHCPRangeLow, err)
	}
	high, err := netip.ParseAddr(cfg.DHCPRangeHigh)
	if err != nil {
		return fmt.Errorf("parsing dhcp_range_high %q: %w", cfg.DHCPRangeHigh, err)
	}

	e.leases = make(map[string]net.IP)
	e.nextIP = low.AsSlice()
	e.highIP = high.AsSlice()
	e.routerIP = net.ParseIP(cfg.BridgeAddr)

	laddr := net.UDPAddr{IP: net.IPv4zero, Port: dhcpv4.ServerPort}
	srv, err := server4.NewServer(cfg.BridgeName, &laddr, e.handle)
	if err != nil {
		return fmt.Errorf("creating dhcpv4 server: %w", err)
	}
	e.srv = srv

	go func() {
		if err := srv.Serve(); err != nil {
			log.Printf("netfabric: embedded dhcp server exited: %v", err)
		}
	}()
	return nil
}

func (e *embeddedDHCP) Stop() error {
	if e.srv == nil {
		return nil
	}
	return e.srv.Close()
}

// handle implements the server4.Handler signature. It answers DISCOVER
// with OFFER and REQUEST with ACK, assigning a sticky lease per MAC.
func (e *embeddedDHCP) handle(conn net.PacketConn, peer net.Addr, m *dhcpv4.DHCPv4) {
	if m == nil {
		return
	}

	e.mu.Lock()
	ip, ok := e.leases[m.ClientHWAddr.String()]
	if !ok {
		if bytes.Compare(e.nextIP, e.highIP) > 0 {
			e.mu.Unlock()
			log.Printf("netfabric: dhcp range exhausted, no lease for %s", m.ClientHWAddr)
			return
		}
		ip = append(net.IP(nil), e.nextIP...)
		e.leases[m.ClientHWAddr.String()] = ip
		incrementIP(e.nextIP)
	}
	e.mu.Unlock()

	var reply *dhcpv4.DHCPv4
	var err error
	switch m.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		reply, err = dhcpv4.NewReplyFromRequest(m,
			dhcpv4.WithMessageType(dhcpv4.MessageTypeOffer),
			dhcpv4.WithYourIP(ip),
			dhcpv4.WithServerIP(e.routerIP),
			dhcpv4.WithRouter(e.routerIP),
			dhcpv4.WithLeaseTime(43200),
		)
	case dhcpv4.MessageTypeRequest:
		reply, err = dhcpv4.NewReplyFromRequest(m,
			dhcpv4.WithMessageType(dhcpv4.MessageTypeAck),
			dhcpv4.WithYourIP(ip),
			dhcpv4.WithServerIP(e.routerIP),
			dhcpv4.WithRouter(e.routerIP),
			dhcpv4.WithLeaseTime(43200),
		)
	default:
		return
	}
	if err != nil {
		log.Printf("netfabric: building dhcp reply: %v", err)
		return
	}

	if _, err := conn.WriteTo(reply.ToBytes(), peer); err != nil {
		log.Printf("netfabric: sending dhcp reply: %v", err)
	}
}

func incrementIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}
