// Package iothub is a minimal Azure IoT Hub module client over MQTT: it sends
// telemetry to named outputs and reads and writes the module twin.
package iothub

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

var ( // Use vars for functions to allow mocking in tests
	NewClientFunc = mqtt.NewClient
	nowFunc       = time.Now
)

// ErrNotConnected is returned by calls made while the connection is down.
var ErrNotConnected = errors.New("iothub client is not connected")

const (
	desiredBuffer     = 16
	disconnectQuiesce = 250
)

// Options configure the transport.
type Options struct {
	GatewayHost    string
	CAFile         string
	Port           int
	APIVersion     string
	TokenTTL       time.Duration
	RequestTimeout time.Duration
}

// Twin is the module twin document.
type Twin struct {
	Desired  map[string]any `json:"desired"`
	Reported map[string]any `json:"reported"`
}

type twinResponse struct {
	status int
	body   []byte
}

// Client wraps the MQTT client and the module identity.
type Client struct {
	creds  *ConnectionString
	tokens func(expiry time.Time) (string, error)
	opts   Options
	broker string
	Client mqtt.Client

	subscribed *atomic.Bool
	nextRID    *atomic.Int64

	mu      sync.Mutex
	pending map[string]chan twinResponse
	desired chan map[string]any
}

// NewClient creates and configures the client from a connection string.
// Nothing is sent until Connect.
func NewClient(connectionString string, opts Options) (*Client, error) {
	creds, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}
	return newClient(creds, creds.Token, nil, opts)
}

// NewEdgeClient creates a client for a module deployed by the IoT Edge
// runtime. Tokens are signed by the workload API and the edge CA is trusted.
func NewEdgeClient(ctx context.Context, env *EdgeEnvironment, opts Options) (*Client, error) {
	workload, err := NewWorkloadClient(env.WorkloadURI, env.ModuleID, env.GenerationID, opts.RequestTimeout)
	if err != nil {
		return nil, err
	}
	bundle, err := workload.TrustBundle(ctx)
	if err != nil {
		return nil, err
	}

	creds := env.identity()
	tokens := func(expiry time.Time) (string, error) {
		signCtx, cancel := context.WithTimeout(context.Background(), workload.http.Timeout)
		defer cancel()
		return signSAS(creds.ResourceURI(), "", expiry, func(data []byte) ([]byte, error) {
			return workload.Sign(signCtx, data)
		})
	}
	log.Infof("Using IoT Edge workload API at %s for module %s", env.WorkloadURI, creds.ClientID())
	return newClient(creds, tokens, bundle, opts)
}

func newClient(creds *ConnectionString, tokens func(time.Time) (string, error), caPEM []byte, opts Options) (*Client, error) {
	if opts.Port == 0 {
		opts.Port = 8883
	}
	if opts.APIVersion == "" {
		opts.APIVersion = "2021-04-12"
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	host := creds.HostName
	if creds.GatewayHostName != "" {
		host = creds.GatewayHostName
	} else if opts.GatewayHost != "" {
		host = opts.GatewayHost
	}

	tlsCfg, err := tlsConfig(host, opts.CAFile, caPEM)
	if err != nil {
		return nil, err
	}

	c := &Client{
		creds:      creds,
		tokens:     tokens,
		opts:       opts,
		broker:     fmt.Sprintf("ssl://%s:%d", host, opts.Port),
		subscribed: atomic.NewBool(false),
		nextRID:    atomic.NewInt64(0),
		pending:    make(map[string]chan twinResponse),
		desired:    make(chan map[string]any, desiredBuffer),
	}

	mopts := mqtt.NewClientOptions()
	mopts.AddBroker(c.broker)
	mopts.SetClientID(creds.ClientID())
	mopts.SetProtocolVersion(4)
	mopts.SetTLSConfig(tlsCfg)
	// The provider runs on every (re)connect so each attempt gets a fresh token.
	mopts.SetCredentialsProvider(c.credentials)
	mopts.SetConnectionLostHandler(c.connectionLostHandler)
	mopts.SetOnConnectHandler(c.onConnectHandler)
	mopts.SetReconnectingHandler(c.reconnectingHandler)
	mopts.SetAutoReconnect(true)
	mopts.SetMaxReconnectInterval(1 * time.Minute)
	mopts.SetKeepAlive(4 * time.Minute)
	mopts.SetOrderMatters(false)

	c.Client = NewClientFunc(mopts)
	return c, nil
}

func tlsConfig(host, caFile string, caPEM []byte) (*tls.Config, error) {
	cfg := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	if caFile == "" && len(caPEM) == 0 {
		return cfg, nil
	}

	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
	}
	if len(caPEM) > 0 && !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("no certificates found in the edge trust bundle")
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func (c *Client) credentials() (string, string) {
	username := fmt.Sprintf("%s/%s/?api-version=%s", c.creds.HostName, c.creds.ClientID(), c.opts.APIVersion)
	token, err := c.tokens(nowFunc().Add(c.opts.TokenTTL))
	if err != nil {
		log.WithError(err).Error("Failed to create SAS token")
	}
	return username, token
}

// IsConnected reports the state of the underlying connection.
func (c *Client) IsConnected() bool {
	return c.Client != nil && c.Client.IsConnected()
}

// Connect opens the connection and subscribes to twin topics.
func (c *Client) Connect(ctx context.Context) error {
	log.Infof("Connecting to IoT Hub: %s as %s", c.broker, c.creds.ClientID())
	if err := waitToken(ctx, c.Client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to IoT Hub: %w", err)
	}
	if err := c.subscribe(ctx); err != nil {
		return err
	}
	c.subscribed.Store(true)
	return nil
}

func (c *Client) subscribe(ctx context.Context) error {
	filters := map[string]byte{twinResponseFilter: 0, desiredPatchFilter: 0}
	if err := waitToken(ctx, c.Client.SubscribeMultiple(filters, c.messageHandler)); err != nil {
		return fmt.Errorf("failed to subscribe to twin topics: %w", err)
	}
	log.Debug("Subscribed to twin topics")
	return nil
}

// Disconnect closes the connection.
func (c *Client) Disconnect() {
	if c.IsConnected() {
		log.Info("Disconnecting IoT Hub client...")
		c.Client.Disconnect(disconnectQuiesce)
		log.Info("IoT Hub client disconnected.")
	}
}

// SendMessageToOutput publishes a JSON payload as telemetry on output.
func (c *Client) SendMessageToOutput(ctx context.Context, payload []byte, output string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	topic := telemetryTopic(c.creds.DeviceID, c.creds.ModuleID, output)
	if err := waitToken(ctx, c.Client.Publish(topic, 1, false, payload)); err != nil {
		return fmt.Errorf("failed to send message to output %s: %w", output, err)
	}
	return nil
}

// GetTwin fetches the full twin document.
func (c *Client) GetTwin(ctx context.Context) (*Twin, error) {
	resp, err := c.request(ctx, twinGetTopic, []byte{})
	if err != nil {
		return nil, fmt.Errorf("failed to get twin: %w", err)
	}
	if resp.status != 200 {
		return nil, fmt.Errorf("get twin returned status %d: %s", resp.status, resp.body)
	}
	var twin Twin
	if err := json.Unmarshal(resp.body, &twin); err != nil {
		return nil, fmt.Errorf("failed to decode twin: %w", err)
	}
	return &twin, nil
}

// PatchReported updates reported properties.
func (c *Client) PatchReported(ctx context.Context, props map[string]any) error {
	payload, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("failed to encode reported properties: %w", err)
	}
	resp, err := c.request(ctx, twinPatchTopic, payload)
	if err != nil {
		return fmt.Errorf("failed to patch reported properties: %w", err)
	}
	if resp.status != 204 {
		return fmt.Errorf("reported properties patch returned status %d: %s", resp.status, resp.body)
	}
	return nil
}

// ReceiveDesiredPatch blocks until the next desired-property patch arrives.
func (c *Client) ReceiveDesiredPatch(ctx context.Context) (map[string]any, error) {
	select {
	case patch := <-c.desired:
		return patch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// request publishes to a twin topic and waits for the response carrying the
// same request id.
func (c *Client) request(ctx context.Context, topic func(rid string) string, payload []byte) (twinResponse, error) {
	if !c.IsConnected() {
		return twinResponse{}, ErrNotConnected
	}

	rid := strconv.FormatInt(c.nextRID.Inc(), 10)
	ch := make(chan twinResponse, 1)
	c.mu.Lock()
	c.pending[rid] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, rid)
		c.mu.Unlock()
	}()

	if err := waitToken(ctx, c.Client.Publish(topic(rid), 0, false, payload)); err != nil {
		return twinResponse{}, err
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return twinResponse{}, ctx.Err()
	case <-timer.C:
		return twinResponse{}, fmt.Errorf("no response for request %s within %s", rid, c.opts.RequestTimeout)
	}
}

// messageHandler routes twin responses and desired patches.
func (c *Client) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	log.Debugf("Received IoT Hub message on topic '%s'", topic)

	switch {
	case strings.HasPrefix(topic, twinResponsePrefix):
		status, rid, ok := parseTwinResponse(topic)
		if !ok {
			log.Warnf("Ignoring malformed twin response topic %s", topic)
			return
		}
		c.mu.Lock()
		ch := c.pending[rid]
		c.mu.Unlock()
		if ch == nil {
			log.Debugf("No pending request for twin response %s", rid)
			return
		}
		select {
		case ch <- twinResponse{status: status, body: msg.Payload()}:
		default:
		}

	case strings.HasPrefix(topic, desiredPatchPrefix):
		var patch map[string]any
		if err := json.Unmarshal(msg.Payload(), &patch); err != nil {
			log.WithError(err).Warn("Ignoring undecodable desired properties patch")
			return
		}
		if v, ok := parseDesiredVersion(topic); ok {
			if _, present := patch["$version"]; !present {
				patch["$version"] = float64(v)
			}
		}
		select {
		case c.desired <- patch:
		default:
			log.Warn("Desired properties queue is full, dropping patch")
		}
	}
}

func (c *Client) connectionLostHandler(_ mqtt.Client, err error) {
	log.Errorf("IoT Hub connection lost: %v. Attempting to reconnect...", err)
}

func (c *Client) reconnectingHandler(_ mqtt.Client, _ *mqtt.ClientOptions) {
	log.Info("Reconnecting to IoT Hub with a refreshed token")
}

// onConnectHandler restores twin subscriptions after a reconnect. The first
// connection is subscribed by Connect itself.
func (c *Client) onConnectHandler(client mqtt.Client) {
	log.Infof("Successfully connected to IoT Hub: %s", c.broker)
	if !c.subscribed.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	if err := c.subscribe(ctx); err != nil {
		log.WithError(err).Error("Failed to restore twin subscriptions")
	}
}

// waitToken waits for a paho token, giving up when ctx ends.
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
