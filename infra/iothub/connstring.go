package iothub

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// ConnString holds the device credentials extracted from an IoT Hub
// device connection string.
type ConnString struct {
	HostName        string
	DeviceID        string
	SharedAccessKey []byte
}

// ParseConnString splits a "HostName=...;DeviceId=...;SharedAccessKey=..."
// connection string. All three fields are required and the key must be
// valid base64.
func ParseConnString(s string) (ConnString, error) {
	var cs ConnString
	var rawKey string

	for _, part := range strings.Split(s, ";") {
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return ConnString{}, fmt.Errorf("malformed connection string segment %q", key)
		}
		switch key {
		case "HostName":
			cs.HostName = value
		case "DeviceId":
			cs.DeviceID = value
		case "SharedAccessKey":
			rawKey = value
		}
	}

	if cs.HostName == "" {
		return ConnString{}, fmt.Errorf("connection string missing HostName")
	}
	if cs.DeviceID == "" {
		return ConnString{}, fmt.Errorf("connection string missing DeviceId")
	}
	if rawKey == "" {
		return ConnString{}, fmt.Errorf("connection string missing SharedAccessKey")
	}

	key, err := base64.StdEncoding.DecodeString(rawKey)
	if err != nil {
		return ConnString{}, fmt.Errorf("decoding shared access key: %w", err)
	}
	cs.SharedAccessKey = key
	return cs, nil
}
