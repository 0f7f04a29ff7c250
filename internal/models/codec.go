package models

import (
	"encoding/json"
	"fmt"
)

// versionProbe reads only the version discriminant of a stored record.
type versionProbe struct {
	Version *int `json:"version"`
}

func decodeVersion(raw []byte) (int, error) {
	var probe versionProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return 0, fmt.Errorf("decode record: %w", err)
	}
	if probe.Version == nil {
		return LegacyRecordVersion, nil
	}
	v := *probe.Version
	if v <= 0 || v > CurrentRecordVersion {
		return 0, fmt.Errorf("unsupported record version %d", v)
	}
	return v, nil
}

func decodeRecord(raw []byte, out any) (int, error) {
	version, err := decodeVersion(raw)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return 0, fmt.Errorf("decode record: %w", err)
	}
	return version, nil
}

func EncodeQueuedWrite(w *QueuedWrite) ([]byte, error) {
	rec := *w
	rec.Version = CurrentRecordVersion
	return json.Marshal(&rec)
}

func DecodeQueuedWrite(raw []byte) (*QueuedWrite, error) {
	var w QueuedWrite
	version, err := decodeRecord(raw, &w)
	if err != nil {
		return nil, err
	}
	w.Version = version
	if w.Status == "" {
		w.Status = StatusPending
	}
	if w.ID == "" || w.OperationID == "" || w.Target.LocalID == "" {
		return nil, fmt.Errorf("%w: missing identity fields", ErrInvalidWrite)
	}
	return &w, nil
}

func EncodeCheckpoint(c *SyncCheckpoint) ([]byte, error) {
	rec := *c
	rec.Version = CurrentRecordVersion
	return json.Marshal(&rec)
}

func DecodeCheckpoint(raw []byte) (*SyncCheckpoint, error) {
	var c SyncCheckpoint
	version, err := decodeRecord(raw, &c)
	if err != nil {
		return nil, err
	}
	c.Version = version
	if c.LastAttemptAt.IsZero() {
		c.LastAttemptAt = c.CreatedAt
	}
	return &c, nil
}

func EncodeIdentityMapping(m *IdentityMapping) ([]byte, error) {
	rec := *m
	rec.Version = CurrentRecordVersion
	return json.Marshal(&rec)
}

func DecodeIdentityMapping(raw []byte) (*IdentityMapping, error) {
	var m IdentityMapping
	version, err := decodeRecord(raw, &m)
	if err != nil {
		return nil, err
	}
	m.Version = version
	return &m, nil
}
