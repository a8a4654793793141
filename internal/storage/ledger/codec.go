package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
)

// Every ledger blob is laid out as:
//
//	magic | uint32 header length | header JSON | uint32 body length | body JSON | sha256
//
// The checksum covers everything before it.
var magicBytes = []byte("SKLEDGER")

const checksumSize = sha256.Size

type blobHeader struct {
	FormatVersion int    `json:"format_version"`
	Generation    int64  `json:"generation"`
	CreatedAt     int64  `json:"created_at"`
	SnapshotCount int    `json:"snapshot_count"`
	NodeID        string `json:"node_id,omitempty"`
}

// legacyBody is the catalog written by format version 1, which had no
// per-shard generations.
type legacyBody struct {
	Generation int64            `json:"generation"`
	Snapshots  []legacySnapshot `json:"snapshots"`
}

type legacySnapshot struct {
	Name               string   `json:"name"`
	UUID               string   `json:"uuid"`
	State              string   `json:"state"`
	StartTime          int64    `json:"start_time"`
	EndTime            int64    `json:"end_time"`
	Indices            []string `json:"indices"`
	IncludeGlobalState bool     `json:"include_global_state"`
}

// Encode serializes a catalog in the current format.
func Encode(d *RepositoryData, nodeID string) ([]byte, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal body: %w", err)
	}
	return frame(blobHeader{
		FormatVersion: CurrentFormat,
		Generation:    d.Generation,
		CreatedAt:     time.Now().UnixMilli(),
		SnapshotCount: len(d.Snapshots),
		NodeID:        nodeID,
	}, body)
}

func frame(hdr blobHeader, body []byte) ([]byte, error) {
	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal header: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(magicBytes) + 8 + len(hdrJSON) + len(body) + checksumSize)
	buf.Write(magicBytes)

	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(hdrJSON)))
	buf.Write(n[:])
	buf.Write(hdrJSON)
	binary.BigEndian.PutUint32(n[:], uint32(len(body)))
	buf.Write(n[:])
	buf.Write(body)

	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes(), nil
}

// Decode parses and validates a ledger blob. Any structural problem is
// reported as a corrupt ledger.
func Decode(b []byte) (*RepositoryData, error) {
	const unknown = -2
	if len(b) < len(magicBytes)+8+checksumSize {
		return nil, corrupt(unknown, "blob too short")
	}
	payload, trailer := b[:len(b)-checksumSize], b[len(b)-checksumSize:]
	if sum := sha256.Sum256(payload); !bytes.Equal(sum[:], trailer) {
		return nil, corrupt(unknown, "checksum mismatch")
	}
	if !bytes.Equal(payload[:len(magicBytes)], magicBytes) {
		return nil, corrupt(unknown, "invalid magic bytes")
	}
	rest := payload[len(magicBytes):]

	hdrJSON, rest, ok := cut(rest)
	if !ok {
		return nil, corrupt(unknown, "truncated header")
	}
	var hdr blobHeader
	if err := json.Unmarshal(hdrJSON, &hdr); err != nil {
		return nil, corrupt(unknown, "unmarshal header: "+err.Error())
	}
	body, rest, ok := cut(rest)
	if !ok || len(rest) != 0 {
		return nil, corrupt(hdr.Generation, "truncated or oversized body")
	}

	var d *RepositoryData
	switch hdr.FormatVersion {
	case FormatShardGenerations:
		d = Empty()
		if err := json.Unmarshal(body, d); err != nil {
			return nil, corrupt(hdr.Generation, "unmarshal body: "+err.Error())
		}
		if d.Snapshots == nil {
			d.Snapshots = make(map[string]*SnapshotDetails)
		}
		if d.Indices == nil {
			d.Indices = make(map[string]*IndexMeta)
		}
	case FormatLegacy:
		var err error
		if d, err = decodeLegacy(body); err != nil {
			return nil, corrupt(hdr.Generation, err.Error())
		}
	default:
		return nil, corrupt(hdr.Generation, fmt.Sprintf("unknown format version %d", hdr.FormatVersion))
	}

	if d.Generation != hdr.Generation {
		return nil, corrupt(hdr.Generation, fmt.Sprintf("body generation %d does not match header", d.Generation))
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func cut(b []byte) (chunk, rest []byte, ok bool) {
	if len(b) < 4 {
		return nil, nil, false
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint64(n) > uint64(len(b)) {
		return nil, nil, false
	}
	return b[:n], b[n:], true
}

func decodeLegacy(body []byte) (*RepositoryData, error) {
	var lb legacyBody
	if err := json.Unmarshal(body, &lb); err != nil {
		return nil, fmt.Errorf("unmarshal legacy body: %w", err)
	}
	d := Empty()
	d.Generation = lb.Generation
	for _, s := range lb.Snapshots {
		d.Snapshots[s.UUID] = &SnapshotDetails{
			ID:                 domain.SnapshotID{Name: s.Name, UUID: s.UUID},
			State:              domain.SnapshotState(s.State),
			StartTime:          s.StartTime,
			EndTime:            s.EndTime,
			Indices:            s.Indices,
			IncludeGlobalState: s.IncludeGlobalState,
			FormatVersion:      FormatLegacy,
		}
	}
	d.rebuildIndices()
	return d, nil
}
