package iothub

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const workloadAPIVersion = "2019-01-30"

// Environment variables injected by the IoT Edge runtime into every module.
const (
	EnvIoTHubHostName  = "IOTEDGE_IOTHUBHOSTNAME"
	EnvGatewayHostName = "IOTEDGE_GATEWAYHOSTNAME"
	EnvDeviceID        = "IOTEDGE_DEVICEID"
	EnvModuleID        = "IOTEDGE_MODULEID"
	EnvGenerationID    = "IOTEDGE_MODULEGENERATIONID"
	EnvWorkloadURI     = "IOTEDGE_WORKLOADURI"
)

// EdgeEnvironment is the module identity handed out by the IoT Edge runtime.
type EdgeEnvironment struct {
	IoTHubHostName  string
	GatewayHostName string
	DeviceID        string
	ModuleID        string
	GenerationID    string
	WorkloadURI     string
}

// EdgeEnvironmentFromEnv reads the module identity with getenv.
func EdgeEnvironmentFromEnv(getenv func(string) string) (*EdgeEnvironment, error) {
	env := &EdgeEnvironment{
		IoTHubHostName:  getenv(EnvIoTHubHostName),
		GatewayHostName: getenv(EnvGatewayHostName),
		DeviceID:        getenv(EnvDeviceID),
		ModuleID:        getenv(EnvModuleID),
		GenerationID:    getenv(EnvGenerationID),
		WorkloadURI:     getenv(EnvWorkloadURI),
	}
	var missing []string
	for _, v := range []struct{ name, value string }{
		{EnvIoTHubHostName, env.IoTHubHostName},
		{EnvDeviceID, env.DeviceID},
		{EnvModuleID, env.ModuleID},
		{EnvGenerationID, env.GenerationID},
		{EnvWorkloadURI, env.WorkloadURI},
	} {
		if v.value == "" {
			missing = append(missing, v.name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("not running under IoT Edge, missing %s", strings.Join(missing, ", "))
	}
	return env, nil
}

// identity returns the module identity without a key; tokens are signed by
// the workload API.
func (e *EdgeEnvironment) identity() *ConnectionString {
	return &ConnectionString{
		HostName:        e.IoTHubHostName,
		DeviceID:        e.DeviceID,
		ModuleID:        e.ModuleID,
		GatewayHostName: e.GatewayHostName,
	}
}

// WorkloadClient talks to the IoT Edge workload API, which holds the module
// key and the edge CA.
type WorkloadClient struct {
	baseURL      string
	moduleID     string
	generationID string
	http         *http.Client
}

// NewWorkloadClient accepts unix:// socket URIs as injected by the runtime
// and plain http(s) URIs.
func NewWorkloadClient(workloadURI, moduleID, generationID string, timeout time.Duration) (*WorkloadClient, error) {
	u, err := url.Parse(workloadURI)
	if err != nil {
		return nil, fmt.Errorf("invalid workload URI %q: %w", workloadURI, err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	w := &WorkloadClient{
		moduleID:     moduleID,
		generationID: generationID,
		http:         &http.Client{Timeout: timeout},
	}
	switch u.Scheme {
	case "unix":
		socket := u.Path
		w.baseURL = "http://workload"
		w.http.Transport = &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socket)
			},
		}
	case "http", "https":
		w.baseURL = strings.TrimRight(workloadURI, "/")
	default:
		return nil, fmt.Errorf("unsupported workload URI scheme %q", u.Scheme)
	}
	return w, nil
}

type signRequest struct {
	KeyID string `json:"keyId"`
	Algo  string `json:"algo"`
	Data  string `json:"data"`
}

type signResponse struct {
	Digest string `json:"digest"`
}

type trustBundleResponse struct {
	Certificate string `json:"certificate"`
}

// Sign returns the HMAC-SHA256 of data under the module's primary key.
func (w *WorkloadClient) Sign(ctx context.Context, data []byte) ([]byte, error) {
	body, err := json.Marshal(signRequest{
		KeyID: "primary",
		Algo:  "HMACSHA256",
		Data:  base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/modules/%s/genid/%s/sign?api-version=%s",
		w.baseURL, url.PathEscape(w.moduleID), url.PathEscape(w.generationID), workloadAPIVersion)

	var resp signResponse
	if err := w.do(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return nil, fmt.Errorf("workload sign failed: %w", err)
	}
	digest, err := base64.StdEncoding.DecodeString(resp.Digest)
	if err != nil {
		return nil, fmt.Errorf("workload sign returned invalid digest: %w", err)
	}
	return digest, nil
}

// TrustBundle returns the PEM encoded CA certificates of the edge device.
func (w *WorkloadClient) TrustBundle(ctx context.Context) ([]byte, error) {
	var resp trustBundleResponse
	endpoint := fmt.Sprintf("%s/trust-bundle?api-version=%s", w.baseURL, workloadAPIVersion)
	if err := w.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("workload trust bundle failed: %w", err)
	}
	if resp.Certificate == "" {
		return nil, errors.New("workload trust bundle is empty")
	}
	return []byte(resp.Certificate), nil
}

func (w *WorkloadClient) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return json.Unmarshal(data, out)
}
