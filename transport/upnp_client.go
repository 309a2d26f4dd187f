// Package transport implements network transport for peerdrop.
//
// This file implements a UPnP (Universal Plug and Play) client for automatic
// port mapping on Internet Gateway Devices.
package transport

import (
	"bufio"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// ssdpMulticastAddr is the well-known SSDP discovery endpoint.
const ssdpMulticastAddr = "239.255.255.250:1900"

// wanServiceTypes lists the services that can create port mappings, in order of preference.
var wanServiceTypes = []string{
	"urn:schemas-upnp-org:service:WANIPConnection:2",
	"urn:schemas-upnp-org:service:WANIPConnection:1",
	"urn:schemas-upnp-org:service:WANPPPConnection:1",
}

// UPnPClient provides UPnP-based automatic port mapping functionality
type UPnPClient struct {
	timeout       time.Duration
	ssdpAddr      string
	gatewayURL    string
	controlURL    string
	serviceType   string
	localIP       net.IP
	leaseDuration time.Duration
	discoveryDone bool
	httpClient    *http.Client
}

// UPnPMapping represents a port mapping
type UPnPMapping struct {
	ExternalPort int
	InternalPort int
	InternalIP   string
	Protocol     string
	Description  string
	Duration     time.Duration
}

// NewUPnPClient creates a new UPnP client
func NewUPnPClient() *UPnPClient {
	return &UPnPClient{
		timeout:    5 * time.Second,
		ssdpAddr:   ssdpMulticastAddr,
		httpClient: &http.Client{},
	}
}

// SetTimeout sets the timeout for UPnP operations
func (uc *UPnPClient) SetTimeout(timeout time.Duration) {
	uc.timeout = timeout
}

// SetLeaseDuration sets the lease requested for new port mappings. Zero asks
// the gateway for a permanent mapping.
func (uc *UPnPClient) SetLeaseDuration(d time.Duration) {
	uc.leaseDuration = d
}

// DiscoverGateway discovers a UPnP-enabled gateway on the local network and
// locates its WAN connection control URL.
func (uc *UPnPClient) DiscoverGateway(ctx context.Context) error {
	if uc.discoveryDone && uc.controlURL != "" {
		return nil // Already discovered
	}

	gatewayURL, err := uc.ssdpDiscover(ctx, "urn:schemas-upnp-org:device:InternetGatewayDevice:1")
	if err != nil {
		return fmt.Errorf("failed to discover UPnP gateway: %w", err)
	}
	uc.gatewayURL = gatewayURL

	if err := uc.getDeviceDescription(ctx); err != nil {
		return err
	}
	uc.discoveryDone = true

	logrus.WithFields(logrus.Fields{
		"function":     "DiscoverGateway",
		"gateway_url":  uc.gatewayURL,
		"control_url":  uc.controlURL,
		"service_type": uc.serviceType,
	}).Info("UPnP gateway discovered")
	return nil
}

// ssdpDiscover sends an M-SEARCH request and returns the LOCATION of the first
// responder.
func (uc *UPnPClient) ssdpDiscover(ctx context.Context, searchTarget string) (string, error) {
	raddr, err := net.ResolveUDPAddr("udp4", uc.ssdpAddr)
	if err != nil {
		return "", fmt.Errorf("invalid SSDP address: %w", err)
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return "", fmt.Errorf("failed to create UDP socket: %w", err)
	}
	defer conn.Close()

	if raddr.IP.IsMulticast() {
		pc := ipv4.NewPacketConn(conn)
		// Gateways are one hop away; keep the search on the local segment.
		_ = pc.SetMulticastTTL(2)
		_ = pc.SetMulticastLoopback(true)
	}

	_ = conn.SetDeadline(uc.deadline(ctx))

	searchRequest := fmt.Sprintf(
		"M-SEARCH * HTTP/1.1\r\n"+
			"HOST: %s\r\n"+
			"ST: %s\r\n"+
			"MAN: \"ssdp:discover\"\r\n"+
			"MX: 2\r\n\r\n",
		ssdpMulticastAddr, searchTarget)

	if _, err := conn.WriteTo([]byte(searchRequest), raddr); err != nil {
		return "", fmt.Errorf("failed to send SSDP request: %w", err)
	}

	buffer := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFrom(buffer)
		if err != nil {
			return "", fmt.Errorf("failed to read SSDP response: %w", err)
		}
		location, err := uc.parseLocationFromSSDPResponse(string(buffer[:n]))
		if err == nil {
			return location, nil
		}
		// Unrelated SSDP traffic; keep listening until the deadline.
	}
}

// parseLocationFromSSDPResponse extracts the LOCATION URL from an SSDP response
func (uc *UPnPClient) parseLocationFromSSDPResponse(response string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(response))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(strings.ToUpper(line), "LOCATION:") {
			location := strings.TrimSpace(line[len("LOCATION:"):])
			if location != "" {
				return location, nil
			}
		}
	}
	return "", errors.New("LOCATION header not found in SSDP response")
}

// upnpService and upnpDevice mirror the parts of the device description we need.
type upnpService struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
}

type upnpDevice struct {
	Services []upnpService `xml:"serviceList>service"`
	Devices  []upnpDevice  `xml:"deviceList>device"`
}

type upnpRoot struct {
	URLBase string     `xml:"URLBase"`
	Device  upnpDevice `xml:"device"`
}

// getDeviceDescription fetches the device description and remembers which
// local address reaches the gateway.
func (uc *UPnPClient) getDeviceDescription(ctx context.Context) error {
	if uc.gatewayURL == "" {
		return errors.New("gateway URL not set")
	}

	ctx, cancel := context.WithDeadline(ctx, uc.deadline(ctx))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uc.gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	resp, err := uc.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch device description: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP error: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if err := uc.parseDeviceDescription(body); err != nil {
		return err
	}
	return uc.detectLocalIP()
}

// parseDeviceDescription extracts the control URL and service type of the
// preferred WAN connection service.
func (uc *UPnPClient) parseDeviceDescription(data []byte) error {
	var root upnpRoot
	if err := xml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("invalid device description: %w", err)
	}

	services := collectServices(root.Device, nil)
	for _, want := range wanServiceTypes {
		for _, svc := range services {
			if strings.TrimSpace(svc.ServiceType) != want {
				continue
			}
			base := uc.gatewayURL
			if root.URLBase != "" {
				base = root.URLBase
			}
			if err := uc.buildControlURL(base, strings.TrimSpace(svc.ControlURL)); err != nil {
				return err
			}
			uc.serviceType = want
			return nil
		}
	}

	return errors.New("WAN connection service not found in device description")
}

// collectServices flattens the nested device tree.
func collectServices(d upnpDevice, acc []upnpService) []upnpService {
	acc = append(acc, d.Services...)
	for _, child := range d.Devices {
		acc = collectServices(child, acc)
	}
	return acc
}

// buildControlURL constructs the absolute control URL from path.
func (uc *UPnPClient) buildControlURL(base, controlPath string) error {
	baseURL, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("invalid gateway URL: %w", err)
	}

	controlURL, err := baseURL.Parse(controlPath)
	if err != nil {
		return fmt.Errorf("invalid control URL: %w", err)
	}

	uc.controlURL = controlURL.String()
	return nil
}

// detectLocalIP finds the local address the operating system uses to reach the gateway.
func (uc *UPnPClient) detectLocalIP() error {
	u, err := url.Parse(uc.controlURL)
	if err != nil {
		return fmt.Errorf("invalid control URL: %w", err)
	}
	port := u.Port()
	if port == "" {
		port = "80"
	}

	// UDP "connect" sends nothing; it only selects a route and source address.
	conn, err := net.Dial("udp4", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return fmt.Errorf("failed to determine local address: %w", err)
	}
	defer conn.Close()

	uc.localIP = conn.LocalAddr().(*net.UDPAddr).IP
	return nil
}

// LocalIP returns the local address that reaches the gateway. It is only
// valid after DiscoverGateway succeeded.
func (uc *UPnPClient) LocalIP() net.IP {
	return uc.localIP
}

// AddPortMapping creates a new port mapping
func (uc *UPnPClient) AddPortMapping(ctx context.Context, mapping UPnPMapping) error {
	if uc.controlURL == "" {
		return errors.New("control URL not set - call DiscoverGateway first")
	}

	args := fmt.Sprintf(
		"<NewRemoteHost></NewRemoteHost>"+
			"<NewExternalPort>%d</NewExternalPort>"+
			"<NewProtocol>%s</NewProtocol>"+
			"<NewInternalPort>%d</NewInternalPort>"+
			"<NewInternalClient>%s</NewInternalClient>"+
			"<NewEnabled>1</NewEnabled>"+
			"<NewPortMappingDescription>%s</NewPortMappingDescription>"+
			"<NewLeaseDuration>%d</NewLeaseDuration>",
		mapping.ExternalPort,
		strings.ToUpper(mapping.Protocol),
		mapping.InternalPort,
		mapping.InternalIP,
		xmlEscape(mapping.Description),
		int(mapping.Duration.Seconds()))

	_, err := uc.sendSOAPRequest(ctx, "AddPortMapping", args)
	return err
}

// DeletePortMapping removes an existing port mapping
func (uc *UPnPClient) DeletePortMapping(ctx context.Context, externalPort int, protocol string) error {
	if uc.controlURL == "" {
		return errors.New("control URL not set - call DiscoverGateway first")
	}

	args := fmt.Sprintf(
		"<NewRemoteHost></NewRemoteHost>"+
			"<NewExternalPort>%d</NewExternalPort>"+
			"<NewProtocol>%s</NewProtocol>",
		externalPort,
		strings.ToUpper(protocol))

	_, err := uc.sendSOAPRequest(ctx, "DeletePortMapping", args)
	return err
}

// GetExternalIPAddress retrieves the external IP address from the gateway
func (uc *UPnPClient) GetExternalIPAddress(ctx context.Context) (net.IP, error) {
	if uc.controlURL == "" {
		return nil, errors.New("control URL not set - call DiscoverGateway first")
	}

	response, err := uc.sendSOAPRequest(ctx, "GetExternalIPAddress", "")
	if err != nil {
		return nil, err
	}
	return uc.parseExternalIPResponse(response)
}

// sendSOAPRequest invokes action on the WAN connection service and returns the response body
func (uc *UPnPClient) sendSOAPRequest(ctx context.Context, action, args string) (string, error) {
	soapBody := fmt.Sprintf(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body>
<u:%s xmlns:u="%s">%s</u:%s>
</s:Body>
</s:Envelope>`, action, uc.serviceType, args, action)

	ctx, cancel := context.WithDeadline(ctx, uc.deadline(ctx))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uc.controlURL, strings.NewReader(soapBody))
	if err != nil {
		return "", fmt.Errorf("failed to create SOAP request: %w", err)
	}

	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", `"`+uc.serviceType+"#"+action+`"`)
	req.Header.Set("Content-Length", strconv.Itoa(len(soapBody)))

	resp, err := uc.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send SOAP request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read SOAP response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("SOAP %s failed: %s - %s", action, resp.Status, string(body))
	}

	return string(body), nil
}

// parseExternalIPResponse extracts the external IP address from SOAP response
func (uc *UPnPClient) parseExternalIPResponse(response string) (net.IP, error) {
	start := strings.Index(response, "<NewExternalIPAddress>")
	if start == -1 {
		return nil, errors.New("external IP address not found in response")
	}
	start += len("<NewExternalIPAddress>")

	end := strings.Index(response[start:], "</NewExternalIPAddress>")
	if end == -1 {
		return nil, errors.New("malformed external IP address in response")
	}

	ipStr := strings.TrimSpace(response[start : start+end])
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP address: %s", ipStr)
	}

	return ip, nil
}

// deadline returns the context deadline or now plus the client timeout, whichever is earlier.
func (uc *UPnPClient) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(uc.timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
