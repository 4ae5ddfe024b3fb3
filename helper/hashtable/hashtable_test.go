package hashtable

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/spaolacci/murmur3"
)

type item struct {
	name string
}

func stringHash(s string) uint32 {
	return murmur3.Sum32([]byte(s))
}

func stringEquals(a, b string) bool {
	return a == b
}

func newStringTable(initial int) *Table[string, *item] {
	return New[string, *item](initial, stringHash, stringEquals)
}

// checkInvariants verifies the counters and that every live entry can be reached from its
// home slot.
func checkInvariants(t *testing.T, tbl *Table[string, *item]) {
	t.Helper()

	tbl.mu.Lock()
	defer tbl.mu.Unlock()

	live, tombs := 0, 0
	for i := range tbl.tbl {
		e := &tbl.tbl[i]
		switch {
		case e.hashk != 0:
			live++
		case e.reused:
			tombs++
		}
	}
	if live != tbl.usage {
		t.Fatalf("usage %d does not match %d live entries", tbl.usage, live)
	}
	if tbl.occupancy > len(tbl.tbl) || tbl.usage > tbl.occupancy {
		t.Fatalf("bad counters: size %d occupancy %d usage %d", len(tbl.tbl), tbl.occupancy, tbl.usage)
	}
	if live+tombs > tbl.occupancy {
		t.Fatalf("occupancy %d lower than %d used slots", tbl.occupancy, live+tombs)
	}

	for i := range tbl.tbl {
		e := &tbl.tbl[i]
		if e.hashk == 0 {
			continue
		}
		if found := tbl.findspot(e.hashk, e.key, false); found != e {
			t.Fatalf("entry %q in slot %d is not reachable from its home slot", e.key, i)
		}
	}
}

func TestPutGetDelete(t *testing.T) {
	tbl := newStringTable(0)

	a := &item{"a"}
	if _, err := tbl.Put("a", a, false); err != nil {
		t.Fatal(err)
	}

	v, err := tbl.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if v != a {
		t.Fatalf("got %v, want %v", v, a)
	}

	if _, err := tbl.Put("a", &item{"a2"}, false); !errors.Is(err, ErrItemExists) {
		t.Fatalf("expected ErrItemExists, got %v", err)
	}

	a2 := &item{"a2"}
	old, err := tbl.Put("a", a2, true)
	if err != nil {
		t.Fatal(err)
	}
	if old != a {
		t.Fatalf("replace returned %v, want %v", old, a)
	}

	v, err = tbl.Delete("a")
	if err != nil {
		t.Fatal(err)
	}
	if v != a2 {
		t.Fatalf("delete returned %v, want %v", v, a2)
	}

	if _, err := tbl.Get("a"); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
	if _, err := tbl.Delete("a"); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
}

func TestDeleteKeepsOccupancy(t *testing.T) {
	tbl := newStringTable(0)

	for i := 0; i < 10; i++ {
		tbl.Put(fmt.Sprintf("k%d", i), &item{}, true)
	}
	for i := 0; i < 5; i++ {
		if _, err := tbl.Delete(fmt.Sprintf("k%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	st := tbl.Stats()
	if st.Usage != 5 || st.Occupancy != 10 {
		t.Fatalf("expected usage 5 / occupancy 10, got %d / %d", st.Usage, st.Occupancy)
	}
	checkInvariants(t, tbl)
}

func TestDeleteCheck(t *testing.T) {
	tbl := newStringTable(0)
	a := &item{"a"}
	tbl.Put("a", a, false)

	if err := tbl.DeleteCheck("a", &item{"a"}); !errors.Is(err, ErrViolation) {
		t.Fatalf("expected ErrViolation, got %v", err)
	}
	if _, err := tbl.Get("a"); err != nil {
		t.Fatalf("entry removed by a failed check: %v", err)
	}
	if err := tbl.DeleteCheck("a", a); err != nil {
		t.Fatal(err)
	}
	if err := tbl.DeleteCheck("a", a); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
}

func TestZeroHashRemapped(t *testing.T) {
	tbl := New[string, *item](0, func(string) uint32 { return 0 }, stringEquals)

	for i := 0; i < 20; i++ {
		if _, err := tbl.Put(fmt.Sprintf("k%d", i), &item{}, false); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 20; i++ {
		if _, err := tbl.Get(fmt.Sprintf("k%d", i)); err != nil {
			t.Fatalf("k%d: %v", i, err)
		}
	}
	if _, err := tbl.Get("missing"); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}

	tbl.mu.Lock()
	for i := range tbl.tbl {
		if tbl.tbl[i].reused {
			continue
		}
		if !tbl.tbl[i].blank() && tbl.tbl[i].hashk != 1 {
			t.Fatalf("unexpected hash %d", tbl.tbl[i].hashk)
		}
	}
	tbl.mu.Unlock()
}

func TestInitialSize(t *testing.T) {
	if s := newStringTable(0).Stats(); s.Size != 64 || s.MaxOccupancy != 44 {
		t.Fatalf("unexpected default size %d / max occupancy %d", s.Size, s.MaxOccupancy)
	}
	if s := newStringTable(5).Stats(); s.Size != 16 {
		t.Fatalf("unexpected size %d", s.Size)
	}
}

func TestTombstoneReuse(t *testing.T) {
	// Constant hash: every key shares a single probe path.
	tbl := New[string, *item](0, func(string) uint32 { return 7 }, stringEquals)

	tbl.Put("a", &item{"a"}, false)
	tbl.Put("b", &item{"b"}, false)
	tbl.Put("c", &item{"c"}, false)

	if _, err := tbl.Delete("a"); err != nil {
		t.Fatal(err)
	}

	// Re-putting "c" moves it into the tombstone left by "a".
	c2 := &item{"c2"}
	if _, err := tbl.Put("c", c2, true); err != nil {
		t.Fatal(err)
	}

	tbl.mu.Lock()
	home := &tbl.tbl[7&tbl.modmask]
	if home.key != "c" || home.value != c2 {
		tbl.mu.Unlock()
		t.Fatalf("expected c in its home slot, got %q", home.key)
	}
	tbl.mu.Unlock()

	st := tbl.Stats()
	if st.Usage != 2 || st.Occupancy != 3 {
		t.Fatalf("expected usage 2 / occupancy 3, got %d / %d", st.Usage, st.Occupancy)
	}

	// A new key takes the tombstone left behind by the move.
	tbl.Put("d", &item{"d"}, false)
	st = tbl.Stats()
	if st.Usage != 3 || st.Occupancy != 3 {
		t.Fatalf("expected usage 3 / occupancy 3, got %d / %d", st.Usage, st.Occupancy)
	}
	checkInvariants(t, tbl)
}

func TestGrowRehashesTombstones(t *testing.T) {
	tbl := newStringTable(4) // 8 slots, max occupancy 5

	// Churn through many distinct keys while keeping at most two alive.
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("k%d", i)
		if _, err := tbl.Put(k, &item{k}, false); err != nil {
			t.Fatal(err)
		}
		if i >= 2 {
			if _, err := tbl.Delete(fmt.Sprintf("k%d", i-2)); err != nil {
				t.Fatal(err)
			}
		}
		checkInvariants(t, tbl)
	}

	st := tbl.Stats()
	if st.Size != 8 {
		t.Fatalf("table grew to %d slots although usage never exceeded 3", st.Size)
	}
	if st.Usage != 2 {
		t.Fatalf("unexpected usage %d", st.Usage)
	}
}

func TestGrowDoubles(t *testing.T) {
	tbl := newStringTable(4)

	for i := 0; i < 100; i++ {
		tbl.Put(fmt.Sprintf("k%d", i), &item{}, false)
	}

	st := tbl.Stats()
	if st.Usage != 100 {
		t.Fatalf("unexpected usage %d", st.Usage)
	}
	if st.Occupancy > st.MaxOccupancy+1 {
		t.Fatalf("occupancy %d above max occupancy %d", st.Occupancy, st.MaxOccupancy)
	}
	if st.Size < 128 {
		t.Fatalf("table did not grow: %d slots", st.Size)
	}
	checkInvariants(t, tbl)
}

func TestRandomOperations(t *testing.T) {
	tbl := newStringTable(0)
	ref := make(map[string]*item)
	rnd := rand.New(rand.NewSource(42))

	for i := 0; i < 5000; i++ {
		k := fmt.Sprintf("k%d", rnd.Intn(300))
		switch rnd.Intn(3) {
		case 0, 1:
			v := &item{k}
			tbl.Put(k, v, true)
			ref[k] = v
		case 2:
			_, err := tbl.Delete(k)
			if _, ok := ref[k]; ok != (err == nil) {
				t.Fatalf("delete %s: table and reference disagree (%v)", k, err)
			}
			delete(ref, k)
		}
	}

	checkInvariants(t, tbl)
	if tbl.Len() != len(ref) {
		t.Fatalf("len %d, want %d", tbl.Len(), len(ref))
	}
	for k, v := range ref {
		got, err := tbl.Get(k)
		if err != nil || got != v {
			t.Fatalf("get %s: %v %v", k, got, err)
		}
	}
	if len(tbl.Keys()) != len(ref) || len(tbl.Values()) != len(ref) {
		t.Fatalf("snapshot sizes do not match")
	}
	if tbl.Stats().AvgHops < 0 {
		t.Fatalf("negative average hops")
	}
}
