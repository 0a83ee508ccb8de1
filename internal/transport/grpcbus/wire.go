// Package grpcbus is the default, always-present Connector: a gRPC
// bidirectional stream carrying structpb.Struct envelopes that stand in for
// the reference atbus wire header spec.md §6 describes
// ({cmd, type, ret, sequence, src_bus_id} plus a forward body
// {from, to, payload, metadata}).
package grpcbus

import (
	"encoding/base64"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// cmd values carried in a frame's "cmd" field.
const (
	cmdForwardRequest  = "forward_request"
	cmdForwardResponse = "forward_response"
)

// frame is the decoded shape of one structpb.Struct envelope.
type frame struct {
	Cmd      string
	MsgType  int32
	Seq      uint64
	Ret      int32
	FromID   uint64
	FromName string
	ToID     uint64
	ToName   string
	Payload  []byte
	Metadata map[string]string
}

func (f frame) toStruct() (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"cmd":       f.Cmd,
		"type":      float64(f.MsgType),
		"seq":       fmt.Sprintf("%d", f.Seq),
		"ret":       float64(f.Ret),
		"from_id":   fmt.Sprintf("%d", f.FromID),
		"from_name": f.FromName,
		"to_id":     fmt.Sprintf("%d", f.ToID),
		"to_name":   f.ToName,
		"payload":   base64.StdEncoding.EncodeToString(f.Payload),
	}
	if len(f.Metadata) > 0 {
		meta := make(map[string]interface{}, len(f.Metadata))
		for k, v := range f.Metadata {
			meta[k] = v
		}
		fields["metadata"] = meta
	}
	return structpb.NewStruct(fields)
}

func frameFromStruct(s *structpb.Struct) (frame, error) {
	var f frame
	m := s.AsMap()

	f.Cmd, _ = m["cmd"].(string)
	if t, ok := m["type"].(float64); ok {
		f.MsgType = int32(t)
	}
	if r, ok := m["ret"].(float64); ok {
		f.Ret = int32(r)
	}
	var err error
	if f.Seq, err = parseUint(m["seq"]); err != nil {
		return frame{}, err
	}
	if f.FromID, err = parseUint(m["from_id"]); err != nil {
		return frame{}, err
	}
	if f.ToID, err = parseUint(m["to_id"]); err != nil {
		return frame{}, err
	}
	f.FromName, _ = m["from_name"].(string)
	f.ToName, _ = m["to_name"].(string)

	if payloadStr, ok := m["payload"].(string); ok && payloadStr != "" {
		decoded, decErr := base64.StdEncoding.DecodeString(payloadStr)
		if decErr != nil {
			return frame{}, decErr
		}
		f.Payload = decoded
	}

	if rawMeta, ok := m["metadata"].(map[string]interface{}); ok {
		f.Metadata = make(map[string]string, len(rawMeta))
		for k, v := range rawMeta {
			if sv, ok := v.(string); ok {
				f.Metadata[k] = sv
			}
		}
	}

	return f, nil
}

func parseUint(v interface{}) (uint64, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return 0, nil
	}
	var out uint64
	_, err := fmt.Sscanf(s, "%d", &out)
	return out, err
}
