// Package connector defines the Connector Surface: the small
// capability set every source/destination connector implements, tagged by
// transport kind, plus concrete VM and AMQP destination connectors.
package connector

import (
	"context"
	"fmt"

	"chengine.dev/engine/model"
)

// Kind tags the transport a connector speaks.
type Kind string

const (
	KindFile   Kind = "FILE"
	KindSFTP   Kind = "SFTP"
	KindFTP    Kind = "FTP"
	KindSMB    Kind = "SMB"
	KindS3     Kind = "S3"
	KindVM     Kind = "VM"
	KindHTTP   Kind = "HTTP"
	KindScript Kind = "SCRIPT"
	KindAMQP   Kind = "AMQP"
)

// Status is a connection status event a connector emits.
type Status string

const (
	StatusIdle         Status = "IDLE"
	StatusReading       Status = "READING"
	StatusDisconnected  Status = "DISCONNECTED"
	StatusReceiving     Status = "RECEIVING"
	StatusSending       Status = "SENDING"
)

// StatusEvent carries a connector's status transition plus free-form detail
// for the dashboard collaborator (out of scope here). Events are readable
// through each connector's Status() channel; nothing in this repo reads them
// outside tests.
type StatusEvent struct {
	ChannelID     string
	ConnectorName string
	Status        Status
	Detail        string
}

// SourceConnector is the capability set every source connector implements.
type SourceConnector interface {
	Kind() Kind
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Poll is only meaningful for polling sources; connectors that push
	// (e.g. an HTTP listener) may no-op it.
	Poll(ctx context.Context) error
	Status() <-chan StatusEvent
}

// DestinationConnector is the capability set every destination connector
// implements.
type DestinationConnector interface {
	Kind() Kind
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, cm *model.ConnectorMessage, payload string) (*model.Response, error)
	Status() <-chan StatusEvent
}

// ReplaceConnectorProperties resolves ${variable} placeholders in a
// connector's configured property strings against the merged map scopes,
// in the same precedence order as the VM Router: response map, connector
// map, channel map, source map, global-channel map, global map,
// configuration map.
func ReplaceConnectorProperties(properties map[string]string, scopes []map[string]interface{}) map[string]string {
	out := make(map[string]string, len(properties))
	for k, v := range properties {
		out[k] = substitute(v, scopes)
	}
	return out
}

func substitute(value string, scopes []map[string]interface{}) string {
	result := make([]byte, 0, len(value))
	i := 0
	for i < len(value) {
		if value[i] == '$' && i+1 < len(value) && value[i+1] == '{' {
			end := i + 2
			for end < len(value) && value[end] != '}' {
				end++
			}
			if end < len(value) {
				key := value[i+2 : end]
				if resolved, ok := lookup(key, scopes); ok {
					result = append(result, []byte(toString(resolved))...)
					i = end + 1
					continue
				}
			}
		}
		result = append(result, value[i])
		i++
	}
	return string(result)
}

func lookup(key string, scopes []map[string]interface{}) (interface{}, bool) {
	for _, scope := range scopes {
		if scope == nil {
			continue
		}
		if v, ok := scope[key]; ok {
			return v, true
		}
	}
	return nil, false
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
