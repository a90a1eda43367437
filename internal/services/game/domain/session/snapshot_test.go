package session

import "testing"

func TestSnapshotCloneIsIndependent(t *testing.T) {
	original := Snapshot{
		KeyScene: "tavern",
		SectionRelationships: map[string]any{
			"npc.kiera": 5,
		},
	}

	clone := original.Clone()
	clone.AddNumeric(SectionRelationships, "npc.kiera", 3)
	clone[KeyScene] = "forest"

	if got := original.Numeric(SectionRelationships, "npc.kiera"); got != 5 {
		t.Errorf("original relationship = %d, want 5", got)
	}
	if got := original.Scalar(KeyScene); got != "tavern" {
		t.Errorf("original scene = %q, want %q", got, "tavern")
	}
	if got := clone.Numeric(SectionRelationships, "npc.kiera"); got != 8 {
		t.Errorf("clone relationship = %d, want 8", got)
	}
}

func TestSnapshotAddNumeric(t *testing.T) {
	tests := []struct {
		name     string
		snapshot Snapshot
		delta    int
		want     int
	}{
		{
			name:     "creates missing section",
			snapshot: NewSnapshot(),
			delta:    2,
			want:     2,
		},
		{
			name: "adds to existing int",
			snapshot: Snapshot{
				SectionFactions: map[string]any{"guild": 1},
			},
			delta: -3,
			want:  -2,
		},
		{
			name: "coerces json float64",
			snapshot: Snapshot{
				SectionFactions: map[string]any{"guild": float64(4)},
			},
			delta: 1,
			want:  5,
		},
		{
			name: "overwrites non numeric value",
			snapshot: Snapshot{
				SectionFactions: map[string]any{"guild": "friendly"},
			},
			delta: 7,
			want:  7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.snapshot.AddNumeric(SectionFactions, "guild", tt.delta)
			if got := tt.snapshot.Numeric(SectionFactions, "guild"); got != tt.want {
				t.Errorf("Numeric() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSnapshotSetScalars(t *testing.T) {
	snapshot := Snapshot{
		SectionFlags: map[string]any{
			"gate_open": false,
			"weather":   "rain",
		},
	}

	snapshot.SetScalars(SectionFlags, map[string]any{
		"gate_open": true,
		"time":      "dusk",
	})

	flags, ok := snapshot[SectionFlags].(map[string]any)
	if !ok {
		t.Fatal("flags section missing")
	}
	if flags["gate_open"] != true {
		t.Errorf("gate_open = %v, want true", flags["gate_open"])
	}
	if flags["weather"] != "rain" {
		t.Errorf("weather = %v, want rain (untouched)", flags["weather"])
	}
	if flags["time"] != "dusk" {
		t.Errorf("time = %v, want dusk", flags["time"])
	}
}

func TestSnapshotNilSafety(t *testing.T) {
	var snapshot Snapshot

	snapshot.AddNumeric(SectionRelationships, "npc", 1)
	snapshot.SetScalars(SectionFlags, map[string]any{"k": "v"})
	if got := snapshot.Numeric(SectionRelationships, "npc"); got != 0 {
		t.Errorf("Numeric() on nil = %d, want 0", got)
	}
	if got := snapshot.Scalar(KeyScene); got != "" {
		t.Errorf("Scalar() on nil = %q, want empty", got)
	}
}
