package iothub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ConnectionString is a parsed IoT Hub device or module connection string.
type ConnectionString struct {
	HostName            string
	DeviceID            string
	ModuleID            string
	SharedAccessKey     string
	SharedAccessKeyName string
	GatewayHostName     string
}

// ParseConnectionString parses "HostName=...;DeviceId=...;SharedAccessKey=...".
func ParseConnectionString(s string) (*ConnectionString, error) {
	cs := &ConnectionString{}
	for _, part := range strings.Split(strings.TrimSpace(s), ";") {
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed connection string segment %q", part)
		}
		switch key {
		case "HostName":
			cs.HostName = value
		case "DeviceId":
			cs.DeviceID = value
		case "ModuleId":
			cs.ModuleID = value
		case "SharedAccessKey":
			cs.SharedAccessKey = value
		case "SharedAccessKeyName":
			cs.SharedAccessKeyName = value
		case "GatewayHostName":
			cs.GatewayHostName = value
		}
	}

	switch {
	case cs.HostName == "":
		return nil, errors.New("connection string has no HostName")
	case cs.DeviceID == "":
		return nil, errors.New("connection string has no DeviceId")
	case cs.SharedAccessKey == "":
		return nil, errors.New("connection string has no SharedAccessKey")
	}
	return cs, nil
}

// ClientID is the MQTT client identifier: "device" or "device/module".
func (c *ConnectionString) ClientID() string {
	if c.ModuleID == "" {
		return c.DeviceID
	}
	return c.DeviceID + "/" + c.ModuleID
}

// ResourceURI is the resource a SAS token is scoped to.
func (c *ConnectionString) ResourceURI() string {
	uri := c.HostName + "/devices/" + c.DeviceID
	if c.ModuleID != "" {
		uri += "/modules/" + c.ModuleID
	}
	return uri
}

// Token creates a SAS token for this identity valid until expiry.
func (c *ConnectionString) Token(expiry time.Time) (string, error) {
	return GenerateSAS(c.ResourceURI(), c.SharedAccessKey, c.SharedAccessKeyName, expiry)
}

// GenerateSAS signs uri with the base64 encoded key.
func GenerateSAS(uri, key, keyName string, expiry time.Time) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("shared access key is not valid base64: %w", err)
	}
	return signSAS(uri, keyName, expiry, func(data []byte) ([]byte, error) {
		mac := hmac.New(sha256.New, secret)
		mac.Write(data)
		return mac.Sum(nil), nil
	})
}

// signSAS builds a token whose signature is computed by sign over
// "<escaped uri>\n<expiry>".
func signSAS(uri, keyName string, expiry time.Time, sign func([]byte) ([]byte, error)) (string, error) {
	sr := url.QueryEscape(uri)
	se := strconv.FormatInt(expiry.Unix(), 10)

	digest, err := sign([]byte(sr + "\n" + se))
	if err != nil {
		return "", err
	}
	sig := base64.StdEncoding.EncodeToString(digest)

	token := fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s", sr, url.QueryEscape(sig), se)
	if keyName != "" {
		token += "&skn=" + url.QueryEscape(keyName)
	}
	return token, nil
}
