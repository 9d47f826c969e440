package sync

import "testing"

func TestDecideDirection(t *testing.T) {
	withRecords := func(lastModified int64) *Snapshot {
		return &Snapshot{Envelopes: makeRecords(5), LastModified: lastModified}
	}
	empty := func(lastModified int64) *Snapshot {
		return &Snapshot{LastModified: lastModified}
	}

	cases := []struct {
		name   string
		local  *Snapshot
		remote *Snapshot
		want   Direction
	}{
		{"no remote", withRecords(100), nil, DirectionUpload},
		{"no remote, empty local", empty(0), nil, DirectionUpload},
		{"remote newer", withRecords(100), withRecords(200), DirectionDownload},
		{"local newer", withRecords(200), withRecords(100), DirectionUpload},
		{"equal timestamps", withRecords(100), withRecords(100), DirectionNone},
		{"empty local, older remote has data", empty(300), withRecords(100), DirectionDownload},
		{"empty local, empty remote, local newer", empty(200), empty(100), DirectionUpload},
		{"both empty, equal", empty(100), empty(100), DirectionNone},
	}
	for _, c := range cases {
		if got := DecideDirection(c.local, c.remote); got != c.want {
			t.Errorf("%s: got %s, want %s", c.name, got, c.want)
		}
	}
}

func TestSnapshotCollections(t *testing.T) {
	snap := &Snapshot{}
	if !snap.Empty() {
		t.Error("fresh snapshot not empty")
	}
	if !snap.SetCollection(CollectionBills, makeRecords(4)) {
		t.Fatal("SetCollection rejected known name")
	}
	if snap.SetCollection("savings", nil) {
		t.Error("SetCollection accepted unknown name")
	}
	recs, ok := snap.Collection(CollectionBills)
	if !ok || len(recs) != 4 {
		t.Errorf("Collection = %d records, ok=%v", len(recs), ok)
	}
	if _, ok := snap.Collection("savings"); ok {
		t.Error("Collection accepted unknown name")
	}
	if snap.RecordCount() != 4 || snap.Empty() {
		t.Errorf("RecordCount = %d", snap.RecordCount())
	}
}
