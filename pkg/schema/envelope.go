package schema

import (
	"encoding/json"
	"fmt"
)

// CurrentVersion is the envelope version written by EncodeData.
const CurrentVersion = 1

// Data is the body of the data column: the payload plus the fields
// duplicated into dedicated columns for query filtering.
type Data struct {
	Type    string
	Status  Status
	Retries int
	Payload json.RawMessage
}

type envelopeHeader struct {
	Version *int `json:"version"`
}

type dataV1 struct {
	Version int             `json:"version"`
	Type    string          `json:"type"`
	Status  Status          `json:"status"`
	Retries int             `json:"retries"`
	Payload json.RawMessage `json:"payload"`
}

// decoders holds one entry per envelope version ever written.
// Old entries are kept so rows written by earlier builds stay readable.
var decoders = map[int]func(raw []byte) (Data, error){
	1: decodeV1,
}

// EncodeData serializes d under the current envelope version.
func EncodeData(d Data) ([]byte, error) {
	payload := d.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	out, err := json.Marshal(dataV1{
		Version: CurrentVersion,
		Type:    d.Type,
		Status:  d.Status,
		Retries: d.Retries,
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode data: %w", ErrSerialization, err)
	}
	return out, nil
}

// DecodeData reads an envelope of any known version.
func DecodeData(raw []byte) (Data, error) {
	var header envelopeHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return Data{}, fmt.Errorf("%w: decode data header: %w", ErrSerialization, err)
	}
	if header.Version == nil {
		return Data{}, fmt.Errorf("%w: %w: version missing", ErrSerialization, ErrUnknownVersion)
	}
	decode, ok := decoders[*header.Version]
	if !ok {
		return Data{}, fmt.Errorf("%w: %w: %d", ErrSerialization, ErrUnknownVersion, *header.Version)
	}
	return decode(raw)
}

func decodeV1(raw []byte) (Data, error) {
	var v dataV1
	if err := json.Unmarshal(raw, &v); err != nil {
		return Data{}, fmt.Errorf("%w: decode data v1: %w", ErrSerialization, err)
	}
	status, err := ParseStatus(string(v.Status))
	if err != nil {
		return Data{}, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return Data{
		Type:    v.Type,
		Status:  status,
		Retries: v.Retries,
		Payload: v.Payload,
	}, nil
}

// EncodePayload serializes a caller payload.
func EncodePayload[P any](payload P) (json.RawMessage, error) {
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload: %w", ErrSerialization, err)
	}
	return out, nil
}

// DecodePayload deserializes a payload written by EncodePayload.
func DecodePayload[P any](raw json.RawMessage) (*P, error) {
	var payload P
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %w", ErrSerialization, err)
	}
	return &payload, nil
}
