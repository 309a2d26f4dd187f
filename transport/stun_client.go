// Package transport implements network transport for peerdrop.
//
// This file implements a STUN (Session Traversal Utilities for NAT) client
// used to learn this host's public IPv6 address from external STUN servers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

// STUNClient provides STUN-based public IP discovery functionality
type STUNClient struct {
	servers []string
	network string
	timeout time.Duration
}

// NewSTUNClient creates a STUN client that queries the default public
// servers over UDP/IPv6.
func NewSTUNClient() *STUNClient {
	return &STUNClient{
		servers: []string{
			"stun.l.google.com:19302",
			"stun1.l.google.com:19302",
			"stun.cloudflare.com:3478",
		},
		network: "udp6",
		timeout: 3 * time.Second,
	}
}

// SetServers replaces the list of STUN servers queried in order.
func (sc *STUNClient) SetServers(servers ...string) {
	sc.servers = append([]string(nil), servers...)
}

// SetNetwork selects the UDP network ("udp4", "udp6" or "udp").
func (sc *STUNClient) SetNetwork(network string) {
	sc.network = network
}

// SetTimeout sets the per-server query timeout.
func (sc *STUNClient) SetTimeout(timeout time.Duration) {
	sc.timeout = timeout
}

// DiscoverPublicIP returns the reflexive address reported by the first STUN
// server that answers.
func (sc *STUNClient) DiscoverPublicIP(ctx context.Context) (net.IP, error) {
	if len(sc.servers) == 0 {
		return nil, errors.New("no STUN servers configured")
	}

	var lastErr error
	for _, server := range sc.servers {
		ip, err := sc.querySTUNServer(ctx, server)
		if err == nil {
			return ip, nil
		}
		lastErr = err

		logrus.WithFields(logrus.Fields{
			"function": "DiscoverPublicIP",
			"server":   server,
			"error":    err.Error(),
		}).Debug("STUN server query failed")

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("all STUN servers failed, last error: %w", lastErr)
}

// querySTUNServer sends one binding request to server and decodes the reply.
func (sc *STUNClient) querySTUNServer(ctx context.Context, server string) (net.IP, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raddr, err := net.ResolveUDPAddr(sc.network, server)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve STUN server %s: %w", server, err)
	}

	conn, err := net.ListenUDP(sc.network, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP socket: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(sc.timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(deadline) {
		deadline = cd
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(aLongTimeAgo) })
	defer stop()

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to build STUN request: %w", err)
	}

	if _, err := conn.WriteToUDP(req.Raw, raddr); err != nil {
		return nil, fmt.Errorf("failed to send STUN request: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to read STUN response: %w", err)
		}
		if !from.IP.Equal(raddr.IP) {
			continue
		}

		ip, err := parseBindingResponse(buf[:n], req.TransactionID)
		if errors.Is(err, errForeignTransaction) {
			continue
		}
		return ip, err
	}
}

var errForeignTransaction = errors.New("STUN transaction ID mismatch")

// parseBindingResponse decodes a binding success response and extracts the
// mapped address, preferring XOR-MAPPED-ADDRESS.
func parseBindingResponse(raw []byte, id [stun.TransactionIDSize]byte) (net.IP, error) {
	res := &stun.Message{Raw: append([]byte(nil), raw...)}
	if err := res.Decode(); err != nil {
		return nil, fmt.Errorf("invalid STUN response: %w", err)
	}
	if res.TransactionID != id {
		return nil, errForeignTransaction
	}
	if res.Type != stun.BindingSuccess {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(res); err == nil {
			return nil, fmt.Errorf("STUN error response: %d %s", code.Code, code.Reason)
		}
		return nil, fmt.Errorf("unexpected STUN message type: %s", res.Type)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(res); err == nil {
		return xorAddr.IP, nil
	}

	var mapped stun.MappedAddress
	if err := mapped.GetFrom(res); err == nil {
		return mapped.IP, nil
	}

	return nil, errors.New("no mapped address in STUN response")
}
