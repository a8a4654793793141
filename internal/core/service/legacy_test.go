package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/yndnr/snapkeep-go/internal/core/domain"
	"github.com/yndnr/snapkeep-go/internal/storage/ledger"
)

// legacyLedgerBlob frames a format 1 catalog the way older releases wrote
// it: no per-shard generations.
func legacyLedgerBlob(t *testing.T, gen int64, snapshots ...domain.SnapshotID) []byte {
	t.Helper()
	type snap struct {
		Name      string   `json:"name"`
		UUID      string   `json:"uuid"`
		State     string   `json:"state"`
		StartTime int64    `json:"start_time"`
		EndTime   int64    `json:"end_time"`
		Indices   []string `json:"indices"`
	}
	body := struct {
		Generation int64  `json:"generation"`
		Snapshots  []snap `json:"snapshots"`
	}{Generation: gen}
	now := time.Now().UnixMilli()
	for _, id := range snapshots {
		body.Snapshots = append(body.Snapshots, snap{
			Name: id.Name, UUID: id.UUID, State: string(domain.SnapshotSuccess),
			StartTime: now, EndTime: now, Indices: []string{"logs"},
		})
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	hdrJSON, err := json.Marshal(map[string]any{
		"format_version": ledger.FormatLegacy,
		"generation":     gen,
		"snapshot_count": len(snapshots),
	})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	buf.WriteString("SKLEDGER")
	for _, chunk := range [][]byte{hdrJSON, bodyJSON} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(chunk)))
		buf.Write(n[:])
		buf.Write(chunk)
	}
	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes()
}

func TestCoordinator_LegacyFormatCooldown(t *testing.T) {
	h, n := newSingleNode(t)
	ctx := context.Background()

	const period = 300 * time.Millisecond
	n.putRepo(t, testRepo, map[string]string{domain.SettingCooldownPeriod: period.String()})

	old := domain.NewSnapshotID("snapshot-old")
	if err := repoStore(t, h, n).WriteAtomic(ctx, ledger.GenerationKey(0), legacyLedgerBlob(t, 0, old), true); err != nil {
		t.Fatalf("write legacy ledger: %v", err)
	}
	if data := latest(t, n); !data.HasLegacySnapshots() {
		t.Fatal("fixture ledger is not detected as legacy")
	}

	// Let the cooldown from the settings change run out first.
	eventually(t, "settings cooldown observed", func() bool { return n.coord.Guard().Remaining(testRepo) > 0 })
	eventually(t, "settings cooldown elapsed", func() bool { return n.coord.Guard().Remaining(testRepo) == 0 })

	timed := func(what string, handle *Handle) time.Duration {
		t.Helper()
		begin := time.Now()
		out := wait(t, handle)
		if out.State != domain.EntrySuccess {
			t.Fatalf("%s: state = %s (%s), want SUCCESS", what, out.State, out.Failure)
		}
		return time.Since(begin)
	}

	// The ledger keeps the old snapshot, so both operations wait.
	if took := timed("create snapshot-new", create(t, n, "snapshot-new")); took < period {
		t.Errorf("create snapshot-new completed after %v, want at least %v", took, period)
	}
	if took := timed("delete snapshot-new", del(t, n, "snapshot-new")); took < period {
		t.Errorf("delete snapshot-new completed after %v, want at least %v", took, period)
	}

	// Removing the last legacy snapshot leaves a current-format ledger.
	if took := timed("delete snapshot-old", del(t, n, "snapshot-old")); took >= period {
		t.Errorf("delete snapshot-old completed after %v, want less than %v", took, period)
	}
	if data := latest(t, n); data.HasLegacySnapshots() || len(data.Snapshots) != 0 {
		t.Errorf("final ledger = %d snapshots, legacy %v", len(data.Snapshots), data.HasLegacySnapshots())
	}
}
