package executor

import (
	"testing"

	"lightning/internal/state"
	"lightning/internal/storage"
	"lightning/internal/types"
)

func uptimePtr(v uint8) *uint8    { return &v }
func latencyPtr(v uint64) *uint64 { return &v }

func TestScoreReputationReportsAveragesUptimeAndLatency(t *testing.T) {
	cases := []struct {
		name       string
		reports    []state.ReputationReport
		wantScore  uint8
		wantUptime uint8
		wantHasUp  bool
	}{
		{
			name: "uptime only",
			reports: []state.ReputationReport{
				{Measurement: types.ReputationMeasurement{Uptime: uptimePtr(80)}},
				{Measurement: types.ReputationMeasurement{Uptime: uptimePtr(60)}},
			},
			wantScore:  70,
			wantUptime: 70,
			wantHasUp:  true,
		},
		{
			name: "latency only, well under cap",
			reports: []state.ReputationReport{
				{Measurement: types.ReputationMeasurement{Latency: latencyPtr(200)}},
			},
			wantScore: 90,
		},
		{
			name: "latency at or above cap scores zero",
			reports: []state.ReputationReport{
				{Measurement: types.ReputationMeasurement{Latency: latencyPtr(5000)}},
			},
			wantScore: 0,
		},
		{
			name: "uptime and latency both present average",
			reports: []state.ReputationReport{
				{Measurement: types.ReputationMeasurement{Uptime: uptimePtr(100), Latency: latencyPtr(0)}},
			},
			wantScore:  100,
			wantUptime: 100,
			wantHasUp:  true,
		},
		{
			name:    "no reports",
			reports: nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			score, uptime, hasUptime := scoreReputationReports(tc.reports)
			if score != tc.wantScore {
				t.Fatalf("score = %d, want %d", score, tc.wantScore)
			}
			if hasUptime != tc.wantHasUp {
				t.Fatalf("hasUptime = %v, want %v", hasUptime, tc.wantHasUp)
			}
			if hasUptime && uptime != tc.wantUptime {
				t.Fatalf("uptime = %d, want %d", uptime, tc.wantUptime)
			}
		})
	}
}

func TestRotateEpochFoldsMeasurementsAndClearsExecutedDigests(t *testing.T) {
	ex, e, schema := newTestExecutor(t)
	node := types.NodeIndex(1)

	reports := []state.ReputationReport{
		{Submitter: 2, Measurement: types.ReputationMeasurement{Uptime: uptimePtr(90)}},
	}
	digest := types.TxHash{0xAB}
	committee := state.Committee{
		ActiveNodeSet:    []types.NodeIndex{node},
		ChangeEpochVotes: map[types.NodeIndex]bool{},
		Beacons:          map[types.NodeIndex]state.BeaconSlot{},
	}

	if err := e.Update(func(wtx *storage.WriteCtx) error {
		if err := schema.RepMeasurements.Set(wtx, node, reports); err != nil {
			return err
		}
		if err := schema.ExecutedDigests.Set(wtx, digest, struct{}{}); err != nil {
			return err
		}
		return schema.Committee.Set(wtx, 0, committee)
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := e.Update(func(wtx *storage.WriteCtx) error {
		return ex.rotateEpoch(wtx, 0, committee, []types.NodeIndex{node}, types.Block{BlockNumber: 1})
	}); err != nil {
		t.Fatalf("rotateEpoch: %v", err)
	}

	if err := e.View(func(rtx *storage.ReadCtx) error {
		score, ok, err := schema.RepScores.Get(rtx, node)
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("expected rep_scores row after rotation")
		}
		if score != 90 {
			t.Fatalf("score = %d, want 90", score)
		}
		if _, ok, err := schema.RepMeasurements.Get(rtx, node); err != nil {
			return err
		} else if ok {
			t.Fatal("expected rep_measurements consumed")
		}
		if _, ok, err := schema.ExecutedDigests.Get(rtx, digest); err != nil {
			return err
		} else if ok {
			t.Fatal("expected executed_digests cleared at epoch rotation")
		}
		return nil
	}); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestRotateEpochSkipsScoreRowForNodeWithNoMeasurements(t *testing.T) {
	ex, e, schema := newTestExecutor(t)
	node := types.NodeIndex(3)
	committee := state.Committee{
		ActiveNodeSet:    []types.NodeIndex{node},
		ChangeEpochVotes: map[types.NodeIndex]bool{},
		Beacons:          map[types.NodeIndex]state.BeaconSlot{},
	}

	if err := e.Update(func(wtx *storage.WriteCtx) error {
		return schema.Committee.Set(wtx, 0, committee)
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := e.Update(func(wtx *storage.WriteCtx) error {
		return ex.rotateEpoch(wtx, 0, committee, []types.NodeIndex{node}, types.Block{BlockNumber: 1})
	}); err != nil {
		t.Fatalf("rotateEpoch: %v", err)
	}

	if err := e.View(func(rtx *storage.ReadCtx) error {
		if _, ok, err := schema.RepScores.Get(rtx, node); err != nil {
			return err
		} else if ok {
			t.Fatal("expected no rep_scores row for a node with zero measurements this epoch")
		}
		return nil
	}); err != nil {
		t.Fatalf("verify: %v", err)
	}
}
