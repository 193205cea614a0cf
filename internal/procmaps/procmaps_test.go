package procmaps

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/mrzor/pfviz/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testPID = 4242

const mapsV1 = `00400000-00452000 r-xp 00000000 08:02 173521      /usr/bin/target
00651000-00652000 rw-p 00051000 08:02 173521      /usr/bin/target
01fc4000-01fe5000 rw-p 00000000 00:00 0           [heap]
7f5d3c000000-7f5d3c021000 rw-p 00000000 00:00 0
7f5d40000000-7f5d40100000 r--s 00002000 08:02 99          /data/A
`

// A, resized and moved; B appears; the second target segment is gone.
const mapsV2 = `00400000-00452000 r-xp 00000000 08:02 173521      /usr/bin/target
01fc4000-01fe5000 rw-p 00000000 00:00 0           [heap]
7f5d40000000-7f5d40200000 r--s 00002000 08:02 99          /data/A
7f5d50000000-7f5d50001000 r--p 00000000 08:02 100         /data/B
`

func fakeProc(t *testing.T) (root string, write func(maps string)) {
	t.Helper()
	root = t.TempDir()
	dir := filepath.Join(root, strconv.Itoa(testPID))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return root, func(maps string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "maps"), []byte(maps), 0o600))
	}
}

func fixedClock(ts ...model.Timestamp) Clock {
	i := 0
	return func() model.Timestamp {
		t := ts[min(i, len(ts)-1)]
		i++
		return t
	}
}

func TestDiff(t *testing.T) {
	a := Region{Start: 0x1000, End: 0x2000, Path: "/a"}
	b := Region{Start: 0x3000, End: 0x4000, Path: "/b"}
	bMoved := Region{Start: 0x3000, End: 0x5000, Path: "/b"}
	c := Region{Start: 0x0, End: 0x1000, Path: "/c"}

	tests := []struct {
		name      string
		prev      []Region
		next      []Region
		wantGone  []Region
		wantAdded []Region
	}{
		{name: "identical", prev: []Region{a, b}, next: []Region{b, a}},
		{name: "from nothing", next: []Region{b, a}, wantAdded: []Region{a, b}},
		{name: "to nothing", prev: []Region{a, b}, wantGone: []Region{a, b}},
		{name: "resized", prev: []Region{a, b}, next: []Region{a, bMoved}, wantGone: []Region{b}, wantAdded: []Region{bMoved}},
		{name: "added sorted", prev: []Region{b}, next: []Region{b, a, c}, wantAdded: []Region{c, a}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gone, added := Diff(tt.prev, tt.next)
			assert.Equal(t, tt.wantGone, gone)
			assert.Equal(t, tt.wantAdded, added)
		})
	}
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	a := Region{Start: 0x1000, End: 0x2000, Path: "/a"}
	b := Region{Start: 0x3000, End: 0x4000, Path: "/b", Offset: 0x1000}

	changes := tr.Update([]Region{a, b}, 10)
	assert.Equal(t, []model.MappingChange{
		model.Created(model.Mapping{ID: 1, Path: "/a", Start: 0x1000, End: 0x2000, CreatedAt: 10}),
		model.Created(model.Mapping{ID: 2, Path: "/b", Start: 0x3000, End: 0x4000, FileOffset: 0x1000, CreatedAt: 10}),
	}, changes)

	assert.Empty(t, tr.Update([]Region{b, a}, 20))

	// Recreating the same range yields a new id, and destruction comes first.
	aAgain := Region{Start: 0x1000, End: 0x2000, Path: "/a2"}
	changes = tr.Update([]Region{aAgain, b}, 30)
	assert.Equal(t, []model.MappingChange{
		model.Destroyed(1, 30),
		model.Created(model.Mapping{ID: 3, Path: "/a2", Start: 0x1000, End: 0x2000, CreatedAt: 30}),
	}, changes)
	assert.Equal(t, 2, tr.Live())

	changes = tr.Close(40)
	assert.ElementsMatch(t, []model.MappingChange{model.Destroyed(3, 40), model.Destroyed(2, 40)}, changes)
	assert.Zero(t, tr.Live())
}

func TestWatcher_Snapshot(t *testing.T) {
	root, write := fakeProc(t)
	write(mapsV1)

	w, err := NewWatcher(root, testPID)
	require.NoError(t, err)

	regions, err := w.Snapshot()
	require.NoError(t, err)
	require.Len(t, regions, 3, "anonymous and pseudo mappings are skipped")
	assert.Equal(t, Region{Start: 0x400000, End: 0x452000, Path: "/usr/bin/target", Perms: "r-xp"}, regions[0])
	assert.Equal(t, uint64(0x51000), regions[1].Offset)
	assert.Equal(t, "r--s", regions[2].Perms)

	wa, err := NewWatcher(root, testPID, WithAnonymous())
	require.NoError(t, err)
	regions, err = wa.Snapshot()
	require.NoError(t, err)
	assert.Len(t, regions, 5)
}

func TestWatcher_Poll(t *testing.T) {
	root, write := fakeProc(t)
	write(mapsV1)

	w, err := NewWatcher(root, testPID, WithClock(fixedClock(100, 200)))
	require.NoError(t, err)

	changes, err := w.Poll()
	require.NoError(t, err)
	assert.Len(t, changes, 3)

	write(mapsV2)
	changes, err = w.Poll()
	require.NoError(t, err)

	var destroyed []model.MappingID
	var created []string
	for _, c := range changes {
		switch c.Op {
		case model.OpDestroyed:
			destroyed = append(destroyed, c.ID)
			assert.Equal(t, model.Timestamp(200), c.At)
		case model.OpCreated:
			created = append(created, c.Mapping.Path)
		}
	}
	assert.Equal(t, []model.MappingID{2, 3}, destroyed)
	assert.Equal(t, []string{"/data/A", "/data/B"}, created)
	assert.Equal(t, Stats{Polls: 2, Changes: 7}, w.Stats())
}

func TestWatcher_RunUntilExit(t *testing.T) {
	defer goleak.VerifyNone(t)

	root, write := fakeProc(t)
	write(mapsV1)

	w, err := NewWatcher(root, testPID, WithInterval(time.Millisecond), WithClock(fixedClock(1, 2, 3, 4, 5)))
	require.NoError(t, err)

	out := make(chan model.MappingChange)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(context.Background(), out)
	}()

	var got []model.MappingChange
	for c := range out {
		got = append(got, c)
		if len(got) == 3 {
			// The process exits after the first snapshot.
			require.NoError(t, os.RemoveAll(filepath.Join(root, strconv.Itoa(testPID))))
		}
	}
	require.NoError(t, <-done)

	require.Len(t, got, 6)
	for _, c := range got[3:] {
		assert.Equal(t, model.OpDestroyed, c.Op)
	}
}

func TestWatcher_RunCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	root, write := fakeProc(t)
	write(mapsV1)

	w, err := NewWatcher(root, testPID, WithInterval(time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan model.MappingChange, 16)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, out)
	}()

	for i := 0; i < 3; i++ {
		<-out
	}
	cancel()
	assert.NoError(t, <-done)

	_, open := <-out
	assert.False(t, open)
}

func TestNewWatcher_Errors(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "missing"), 1)
	assert.Error(t, err)

	_, err = NewWatcher(t.TempDir(), 1, WithInterval(0))
	assert.Error(t, err)
}

func TestMonotonic(t *testing.T) {
	a := Monotonic()
	b := Monotonic()
	assert.Positive(t, int64(a))
	assert.GreaterOrEqual(t, b, a)
}
